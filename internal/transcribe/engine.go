// Package transcribe manages streaming speech-to-text sessions: one engine
// stream per active call, with engine-specific event shapes normalized into
// canonical transcript events before anything downstream sees them.
package transcribe

import "context"

// Callback receives results from the speech-to-text engine.
type Callback interface {
	// OnInterim is called for interim results that the engine may still revise.
	OnInterim(text string, confidence float64)

	// OnFinal is called when the engine finalizes an utterance.
	OnFinal(text string, confidence float64)

	// OnError is called when the engine stream fails. The session is torn
	// down afterwards; no further callbacks arrive.
	OnError(err error)
}

// CodecParams describes the audio an engine session will receive and the
// recognition settings negotiated for it.
type CodecParams struct {
	Encoding       string // MULAW or LINEAR16
	SampleRateHz   int
	Channels       int
	Language       string
	Diarization    bool
	InterimResults bool   // when false the engine only emits finalized utterances
	Track          string // media track the audio comes from, drives speaker attribution
}

// Engine is the streaming speech-to-text engine abstraction. One Engine
// instance backs exactly one session.
type Engine interface {
	// Start opens the engine stream. Results are delivered to cb from a
	// receive goroutine owned by the engine.
	Start(ctx context.Context, params CodecParams, cb Callback) error

	// SendAudio forwards raw audio bytes to the engine, in call order.
	SendAudio(ctx context.Context, audio []byte) error

	// Close flushes and ends the stream. It does not return until results the
	// engine delivers as part of the flush have reached cb; callers finalize
	// their own state only after Close returns. Idempotent.
	Close() error
}

// EngineFactory produces a fresh Engine for each transcription session.
type EngineFactory func(ctx context.Context) (Engine, error)
