package transcribe

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"call-transcription-service/internal/models"
	"call-transcription-service/internal/observability/metrics"
)

// Manager opens transcription sessions. It owns the engine factory and the
// sink that every session delivers canonical transcript events to.
type Manager struct {
	factory  EngineFactory
	defaults CodecParams
	sink     Sink
	metrics  *metrics.Metrics
}

// NewManager constructs a Manager. The sink receives every finalized
// transcript event from every session this manager opens.
func NewManager(factory EngineFactory, defaults CodecParams, sink Sink) *Manager {
	if sink == nil {
		sink = func(models.TranscriptEvent) {}
	}
	return &Manager{
		factory:  factory,
		defaults: defaults,
		sink:     sink,
		metrics:  metrics.DefaultMetrics,
	}
}

// Open starts a transcription session for a call. A failure here is
// synchronous: no session exists afterwards and the caller is expected to
// report the failure on whatever triggered session creation.
func (m *Manager) Open(ctx context.Context, callSID string, params CodecParams) (*Session, error) {
	merged := m.mergeParams(params)

	engine, err := m.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	s := &Session{
		callSID: callSID,
		speaker: SpeakerForTrack(merged.Track),
		engine:  engine,
		sink:    m.sink,
		state:   newLifecycle(),
		metrics: m.metrics,
		now:     nowMillis,
		log: log.With().
			Str("component", "transcribe").
			Str("callSid", callSID).
			Logger(),
	}

	if err := engine.Start(ctx, merged, s); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("start engine stream: %w", err)
	}

	s.log.Info().
		Str("encoding", merged.Encoding).
		Int("sampleRateHz", merged.SampleRateHz).
		Str("speaker", string(s.speaker)).
		Msg("transcription session opened")
	return s, nil
}

// mergeParams fills zero-valued fields of per-call params from the
// manager-wide defaults. The provider's start frame wins where it speaks.
func (m *Manager) mergeParams(p CodecParams) CodecParams {
	out := m.defaults
	if p.Encoding != "" {
		out.Encoding = p.Encoding
	}
	if p.SampleRateHz > 0 {
		out.SampleRateHz = p.SampleRateHz
	}
	if p.Channels > 0 {
		out.Channels = p.Channels
	}
	if p.Language != "" {
		out.Language = p.Language
	}
	if p.Track != "" {
		out.Track = p.Track
	}
	return out
}
