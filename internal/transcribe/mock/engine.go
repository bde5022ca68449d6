// Package mock provides a mock speech engine for running without cloud
// credentials. It simulates realistic engine behavior: progressive interim
// results while audio arrives and exactly one finalized utterance.
package mock

import (
	"context"
	"sync"
	"time"

	"call-transcription-service/internal/transcribe"
)

// SimulatedUtterance represents a scripted utterance with progressive results.
type SimulatedUtterance struct {
	Interims   []string // Progressive interim transcripts
	Final      string   // Finalized transcript text
	Confidence float64  // Confidence score for the final
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Interims:   []string{"I'm calling", "I'm calling about", "I'm calling about my"},
		Final:      "I'm calling about my order",
		Confidence: 0.94,
	},
	{
		Interims:   []string{"Yes", "Yes that's"},
		Final:      "Yes that's right",
		Confidence: 0.97,
	},
	{
		Interims:   []string{"Can you", "Can you send", "Can you send me a"},
		Final:      "Can you send me a quote",
		Confidence: 0.91,
	},
	{
		Interims:   []string{"Thank you"},
		Final:      "Thank you very much",
		Confidence: 0.98,
	},
}

// utteranceCounter cycles through the default utterances across engines.
var (
	utteranceCounter int
	counterMu        sync.Mutex
)

// Engine implements transcribe.Engine with scripted responses. One interim is
// emitted per audio frame; once the script is exhausted the final follows,
// mimicking silence detection ending the utterance.
type Engine struct {
	mu             sync.Mutex
	cb             transcribe.Callback
	interim        bool
	utterance      SimulatedUtterance
	interimIndex   int
	finalScheduled bool
	finalDelivered bool
	closed         bool
}

// New creates a new mock engine.
func New() *Engine {
	counterMu.Lock()
	idx := utteranceCounter % len(DefaultUtterances)
	utteranceCounter++
	counterMu.Unlock()

	return &Engine{
		utterance: DefaultUtterances[idx],
	}
}

// Factory is a transcribe.EngineFactory producing mock engines.
func Factory(ctx context.Context) (transcribe.Engine, error) {
	return New(), nil
}

// Start begins a mock transcription stream.
func (e *Engine) Start(ctx context.Context, params transcribe.CodecParams, cb transcribe.Callback) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cb = cb
	e.interim = params.InterimResults
	return nil
}

// SendAudio simulates the engine consuming audio and producing results.
func (e *Engine) SendAudio(ctx context.Context, audio []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.cb == nil {
		return nil
	}

	if e.interimIndex < len(e.utterance.Interims) {
		text := e.utterance.Interims[e.interimIndex]
		e.interimIndex++
		if e.interim {
			go func() {
				time.Sleep(10 * time.Millisecond)
				e.mu.Lock()
				cb, closed := e.cb, e.closed
				e.mu.Unlock()
				if !closed && cb != nil {
					cb.OnInterim(text, 0.5)
				}
			}()
		}
		return nil
	}

	if !e.finalScheduled {
		e.finalScheduled = true
		utt := e.utterance
		go func() {
			time.Sleep(20 * time.Millisecond)
			e.mu.Lock()
			if e.closed || e.finalDelivered {
				e.mu.Unlock()
				return
			}
			e.finalDelivered = true
			cb := e.cb
			e.mu.Unlock()
			cb.OnFinal(utt.Final, utt.Confidence)
		}()
	}

	return nil
}

// Close ends the mock stream. If the final wasn't delivered yet (stream ended
// before the natural utterance end, or the scheduled delivery hadn't fired),
// flush it before returning - real engines finalize buffered audio on close
// the same way, and callers rely on Close not returning until the flush has
// been delivered.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true

	flush := e.interimIndex > 0 && !e.finalDelivered && e.cb != nil
	if flush {
		e.finalDelivered = true
	}
	cb := e.cb
	utt := e.utterance
	e.mu.Unlock()

	if flush {
		cb.OnFinal(utt.Final, utt.Confidence)
	}
	return nil
}
