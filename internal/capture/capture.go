// Package capture implements the browser-originated ingress: local audio is
// encoded and streamed directly to the transcription engine over a dedicated
// socket, bypassing the server-side pipeline entirely. Transcript events are
// surfaced to a caller callback and are never persisted by this path.
package capture

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// State is the capture lifecycle state.
type State int

const (
	// StateIdle - not started.
	StateIdle State = iota
	// StateNegotiating - fetching engine connection parameters.
	StateNegotiating
	// StateStreaming - audio frames flow to the engine.
	StateStreaming
	// StateStopped - terminal.
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateStreaming:
		return "STREAMING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ErrNotStreaming is returned by Push when the recorder isn't streaming.
var ErrNotStreaming = errors.New("capture: not streaming")

// ConnectionParams are the engine connection parameters produced by
// negotiation: where to connect and what audio format the engine expects.
type ConnectionParams struct {
	URL          string
	Header       http.Header
	SampleRateHz int
	Encoding     string
}

// Negotiator obtains engine connection parameters for a new capture session.
type Negotiator interface {
	Negotiate(ctx context.Context) (ConnectionParams, error)
}

// NegotiatorFunc adapts a function to the Negotiator interface.
type NegotiatorFunc func(ctx context.Context) (ConnectionParams, error)

// Negotiate implements Negotiator.
func (f NegotiatorFunc) Negotiate(ctx context.Context) (ConnectionParams, error) {
	return f(ctx)
}

// TranscriptCallback receives both interim and final transcripts. Unlike the
// server pipeline, the capture path surfaces interims too; what to do with
// them is the embedding application's concern.
type TranscriptCallback func(text string, confidence float64, final bool)

// Recorder streams local audio to the transcription engine.
//
// The local audio callback cadence is decoupled from network backpressure:
// frames are handed to the sender through a small buffer, and when the
// outbound socket is not keeping up the frame for that tick is dropped.
// Latency is bounded at the cost of completeness.
type Recorder struct {
	neg Negotiator
	cb  TranscriptCallback

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	frames  chan []byte
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// frameBuffer is the number of in-flight audio frames tolerated before
// Push starts dropping.
const frameBuffer = 8

// New creates a Recorder in the idle state.
func New(neg Negotiator, cb TranscriptCallback) *Recorder {
	if cb == nil {
		cb = func(string, float64, bool) {}
	}
	return &Recorder{
		neg:    neg,
		cb:     cb,
		state:  StateIdle,
		frames: make(chan []byte, frameBuffer),
	}
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Dropped returns the number of audio frames dropped due to backpressure.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Start negotiates connection parameters and opens the engine socket. Any
// failure here - no parameters obtainable, dial refused - surfaces
// synchronously as a start failure, never as a silent no-op.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return fmt.Errorf("capture: cannot start from state %s", r.state)
	}
	r.state = StateNegotiating
	r.mu.Unlock()

	params, err := r.neg.Negotiate(ctx)
	if err != nil {
		r.setState(StateStopped)
		return fmt.Errorf("capture: negotiate connection parameters: %w", err)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, params.URL, params.Header)
	if err != nil {
		r.setState(StateStopped)
		if resp != nil {
			return fmt.Errorf("capture: dial engine (status %s): %w", resp.Status, err)
		}
		return fmt.Errorf("capture: dial engine: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.state = StateStreaming
	r.mu.Unlock()

	r.wg.Add(2)
	go r.sendLoop()
	go r.receiveLoop()

	log.Debug().Str("url", params.URL).Int("sampleRateHz", params.SampleRateHz).Msg("capture streaming started")
	return nil
}

// Push hands one encoded audio frame to the sender. Non-blocking: when the
// buffer is full the frame is dropped and counted. Frames pushed outside the
// streaming state are rejected.
func (r *Recorder) Push(frame []byte) error {
	// The state check and the channel send stay under one lock so Stop
	// cannot close the channel between them.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStreaming {
		return ErrNotStreaming
	}

	select {
	case r.frames <- frame:
		return nil
	default:
		r.dropped.Add(1)
		return nil
	}
}

// Stop closes the engine socket and transitions to the stopped state.
// Idempotent.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopped
	conn := r.conn
	r.conn = nil
	close(r.frames)
	r.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	r.wg.Wait()
	return err
}

func (r *Recorder) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Recorder) sendLoop() {
	defer r.wg.Done()
	for frame := range r.frames {
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn == nil {
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			log.Debug().Err(err).Msg("capture send failed, stopping sender")
			return
		}
	}
}

// engineResult mirrors the engine's live result shape; flattened before the
// callback sees it.
type engineResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (r *Recorder) receiveLoop() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var res engineResult
		if err := json.Unmarshal(data, &res); err != nil {
			continue
		}
		if res.Type != "" && res.Type != "Results" {
			continue
		}
		if len(res.Channel.Alternatives) == 0 {
			continue
		}
		alt := res.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		r.cb(alt.Transcript, alt.Confidence, res.IsFinal)
	}
}

// ConvertFloat32ToLinear16 converts normalized float32 samples (the shape
// local audio callbacks produce) to 16-bit little-endian PCM, the format the
// engine expects on the wire. Samples are clamped to [-1, 1].
func ConvertFloat32ToLinear16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
