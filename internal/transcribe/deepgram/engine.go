// Package deepgram provides a Deepgram live-transcription engine adapter
// speaking the engine's WebSocket protocol directly: binary audio frames out,
// JSON results with a channel/alternatives shape back.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"call-transcription-service/internal/transcribe"
)

// Config holds the connection settings for the Deepgram live API.
type Config struct {
	URL    string // base listen URL, e.g. wss://api.deepgram.com/v1/listen
	APIKey string
}

// Engine implements transcribe.Engine over the Deepgram live WebSocket API.
type Engine struct {
	cfg  Config
	cb   transcribe.Callback
	conn *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
	// done is closed when the receive loop exits. Close waits on it so the
	// results the server flushes after CloseStream are delivered before
	// Close returns.
	done chan struct{}
}

// closeDrainTimeout bounds how long Close waits for the server to flush and
// end the stream. A dead peer must not wedge the close path.
const closeDrainTimeout = 5 * time.Second

// New creates a new Deepgram engine. The API key is required; failing here
// keeps a misconfigured deployment from opening sessions that can never
// transcribe.
func New(cfg Config) (*Engine, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("deepgram: missing API key")
	}
	if cfg.URL == "" {
		cfg.URL = "wss://api.deepgram.com/v1/listen"
	}
	return &Engine{cfg: cfg}, nil
}

// Factory returns a transcribe.EngineFactory producing Deepgram engines.
func Factory(cfg Config) transcribe.EngineFactory {
	return func(ctx context.Context) (transcribe.Engine, error) {
		return New(cfg)
	}
}

// Start dials the live endpoint with the session parameters encoded in the
// query string and spawns the receive loop.
func (e *Engine) Start(ctx context.Context, params transcribe.CodecParams, cb transcribe.Callback) error {
	u, err := url.Parse(e.cfg.URL)
	if err != nil {
		return fmt.Errorf("deepgram: parse url: %w", err)
	}

	q := u.Query()
	q.Set("encoding", encodingFor(params.Encoding))
	q.Set("sample_rate", strconv.Itoa(params.SampleRateHz))
	if params.Channels > 0 {
		q.Set("channels", strconv.Itoa(params.Channels))
	}
	if params.Language != "" {
		q.Set("language", params.Language)
	}
	q.Set("punctuate", "true")
	q.Set("diarize", strconv.FormatBool(params.Diarization))
	q.Set("interim_results", strconv.FormatBool(params.InterimResults))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+e.cfg.APIKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("deepgram: dial failed with status %s: %w", resp.Status, err)
		}
		return fmt.Errorf("deepgram: dial failed: %w", err)
	}
	e.conn = conn
	e.cb = cb
	e.done = make(chan struct{})

	go e.listen()
	return nil
}

// SendAudio writes raw audio bytes as one binary frame.
func (e *Engine) SendAudio(ctx context.Context, audio []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.conn == nil {
		return errors.New("deepgram: stream not started")
	}
	return e.conn.WriteMessage(websocket.BinaryMessage, audio)
}

// Close asks the engine to finalize buffered audio, waits for the receive
// loop to drain the flushed results, then closes the socket. Finals the
// server sends in response to CloseStream are delivered before Close returns.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed || e.conn == nil {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	e.writeMu.Lock()
	err := e.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	e.writeMu.Unlock()
	if err != nil {
		_ = e.conn.Close()
		<-e.done
		return err
	}

	// The server flushes remaining results and closes the stream, ending the
	// receive loop.
	select {
	case <-e.done:
	case <-time.After(closeDrainTimeout):
	}
	return e.conn.Close()
}

// result is the subset of the live API response the adapter consumes. The
// nested channel/alternatives structure is the engine's shape, not ours;
// it is flattened here and never leaves the adapter.
type result struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (e *Engine) listen() {
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			// done closes before OnError: the error callback tears the
			// session down, which lands back in Close waiting on done.
			close(e.done)
			e.closeMu.Lock()
			closed := e.closed
			e.closeMu.Unlock()
			if !closed {
				e.cb.OnError(err)
			}
			return
		}

		var r result
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		if r.Type != "" && r.Type != "Results" {
			continue
		}
		if len(r.Channel.Alternatives) == 0 {
			continue
		}

		alt := r.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		if r.IsFinal {
			e.cb.OnFinal(alt.Transcript, alt.Confidence)
		} else {
			e.cb.OnInterim(alt.Transcript, alt.Confidence)
		}
	}
}

func encodingFor(encoding string) string {
	switch encoding {
	case "MULAW", "audio/x-mulaw":
		return "mulaw"
	default:
		return "linear16"
	}
}
