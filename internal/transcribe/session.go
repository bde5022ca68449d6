package transcribe

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"call-transcription-service/internal/models"
	"call-transcription-service/internal/observability/metrics"
)

// Sink receives canonical transcript events. Delivery happens on the engine's
// receive goroutine; implementations must not block audio forwarding.
type Sink func(models.TranscriptEvent)

// Session is one live transcription session for a call. It implements
// Callback to receive engine results and translates them into canonical
// transcript events, dropping interim results before they reach the sink.
type Session struct {
	callSID string
	speaker models.Speaker
	engine  Engine
	sink    Sink
	state   *lifecycle
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() int64 // ms since epoch, swappable in tests
}

// CallSID returns the call this session transcribes.
func (s *Session) CallSID() string {
	return s.callSID
}

// State returns the session lifecycle state.
func (s *Session) State() State {
	return s.state.State()
}

// Send forwards raw audio bytes to the engine in receipt order. Audio for a
// closing or closed session is rejected with ErrSessionClosed; the caller
// drops the frame.
func (s *Session) Send(ctx context.Context, audio []byte) error {
	if err := s.state.Send(); err != nil {
		return err
	}
	return s.engine.SendAudio(ctx, audio)
}

// Close flushes and finalizes the session. Finals the engine delivers while
// the close is in flight are still accepted; audio no longer is. Idempotent -
// a stop frame and a connection close racing both land here safely.
func (s *Session) Close() error {
	if !s.state.BeginClose() {
		return nil
	}
	err := s.engine.Close()
	s.state.Finish()
	if err != nil {
		s.log.Warn().Err(err).Msg("engine close returned error")
	}
	s.log.Info().Msg("transcription session closed")
	return err
}

// --- Callback implementation ---

// OnInterim drops interim results. Only finalized utterances are persisted;
// interims would rewrite history and grow storage without bound.
func (s *Session) OnInterim(text string, confidence float64) {
	s.metrics.RecordInterimDropped()
	s.log.Debug().Str("text", text).Float64("confidence", confidence).Msg("interim result dropped")
}

// OnFinal translates a finalized utterance into a canonical transcript event
// and hands it to the sink.
func (s *Session) OnFinal(text string, confidence float64) {
	if !s.state.CanEmit() {
		s.log.Debug().Str("text", text).Msg("final result after session closed, dropped")
		return
	}
	if text == "" {
		return
	}

	ev := models.TranscriptEvent{
		CallSID:    s.callSID,
		Speaker:    s.speaker,
		Text:       text,
		Timestamp:  s.now(),
		Confidence: confidence,
	}
	s.metrics.RecordFinalTranscript()
	s.sink(ev)
}

// OnError tears down this session only. The ingestion connection and every
// other call survive; subsequent audio for this call is dropped by Send.
func (s *Session) OnError(err error) {
	s.log.Error().Err(err).Msg("engine error, tearing down transcription session")
	s.metrics.RecordEngineError()
	_ = s.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
