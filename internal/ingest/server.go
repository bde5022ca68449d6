// Package ingest terminates the telephony provider's media-stream WebSocket,
// parses its control protocol and drives the per-call transcription pipeline.
package ingest

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"call-transcription-service/internal/observability/metrics"
	"call-transcription-service/internal/telephony"
	"call-transcription-service/internal/transcribe"
)

// Options tunes the ingestion server.
type Options struct {
	// ProgressLogEvery logs per-call progress every N media frames.
	ProgressLogEvery int
	// SessionIdleTimeout force-closes sessions with no media and no stop for
	// this long. Zero disables the reaper.
	SessionIdleTimeout time.Duration
	// ReapInterval is how often the reaper sweeps. Defaults to 30s.
	ReapInterval time.Duration
	// CompletedTTL is how long finished calls keep their completed marker for
	// the retrieval API. Zero keeps markers until transcript deletion.
	CompletedTTL time.Duration
}

// Server accepts inbound media-stream connections. One goroutine runs per
// connection; one connection can carry multiple calls, sequentially or
// interleaved, demultiplexed by stream identifier.
type Server struct {
	reg      *Registry
	mgr      *transcribe.Manager
	opts     Options
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
}

// NewServer creates an ingestion server around a registry and a session
// manager.
func NewServer(reg *Registry, mgr *transcribe.Manager, opts Options) *Server {
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 30 * time.Second
	}
	return &Server{
		reg:  reg,
		mgr:  mgr,
		opts: opts,
		upgrader: websocket.Upgrader{
			// The provider's media gateway sends no browser Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: metrics.DefaultMetrics,
	}
}

// Registry returns the server's call registry, shared with the retrieval API
// for completion tracking.
func (s *Server) Registry() *Registry {
	return s.reg
}

// HandleMediaStream upgrades the HTTP request and serves the media-stream
// protocol until the connection closes.
func (s *Server) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("media stream upgrade failed")
		return
	}
	s.serveConn(r.Context(), conn)
}

// serveConn is the per-connection read loop. It must never block on
// persistence: transcript writes happen on the engine's receive goroutine,
// not here.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	connLog := log.With().
		Str("component", "ingest").
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	connLog.Info().Msg("media stream connected")

	// Sessions this connection opened. On any exit path every one of them is
	// finalized: no audio leaks past connection death.
	owned := make(map[string]*CallSession)
	defer func() {
		conn.Close()
		for _, cs := range owned {
			connLog.Info().Str("callSid", cs.CallSID).Msg("finalizing call session on connection close")
			s.finalize(cs)
		}
		connLog.Info().Msg("media stream disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := telephony.ParseFrame(data)
		if err != nil {
			// Malformed frames are discarded; the connection survives because
			// it can carry other, healthy calls.
			connLog.Warn().Err(err).Msg("dropping invalid control frame")
			s.metrics.RecordProtocolError()
			continue
		}

		switch frame.Event {
		case telephony.EventConnected:
			connLog.Info().Str("streamSid", frame.StreamSID).Msg("stream negotiation acknowledged")

		case telephony.EventStart:
			s.handleStart(ctx, conn, frame, owned, connLog)

		case telephony.EventMedia:
			s.handleMedia(ctx, frame, connLog)

		case telephony.EventStop:
			s.handleStop(frame, owned, connLog)

		default:
			connLog.Debug().Str("event", frame.Event).Msg("ignoring unknown control event")
		}
	}
}

func (s *Server) handleStart(ctx context.Context, conn *websocket.Conn, frame *telephony.Frame, owned map[string]*CallSession, connLog zerolog.Logger) {
	st := frame.Start
	streamSID := st.StreamSID
	if streamSID == "" {
		streamSID = frame.StreamSID
	}
	if streamSID == "" {
		// Degenerate providers omit the stream leg id; key media by call.
		streamSID = st.CallSID
	}

	if s.reg.Has(st.CallSID) {
		connLog.Warn().Str("callSid", st.CallSID).Msg("duplicate start for live call rejected")
		s.metrics.RecordProtocolError()
		return
	}

	params := transcribe.CodecParams{
		Encoding:     st.MediaFormat.Encoding,
		SampleRateHz: st.MediaFormat.SampleRate,
		Channels:     st.MediaFormat.Channels,
		Track:        primaryTrack(st.Tracks),
	}

	session, err := s.mgr.Open(ctx, st.CallSID, params)
	if err != nil {
		// Short-circuit: the provider is told the stream cannot be
		// transcribed instead of us silently swallowing its audio.
		connLog.Error().Err(err).Str("callSid", st.CallSID).Msg("failed to open transcription session")
		s.metrics.RecordEngineOpenFailed()
		if werr := conn.WriteJSON(telephony.NewErrorFrame(streamSID, st.CallSID, "transcription session unavailable")); werr != nil {
			connLog.Warn().Err(werr).Msg("failed to notify connection of start failure")
		}
		return
	}

	cs := newCallSession(st.CallSID, streamSID, session, s.opts.ProgressLogEvery,
		connLog.With().Str("callSid", st.CallSID).Str("streamSid", streamSID).Logger())

	if err := s.reg.Add(cs); err != nil {
		// Lost a race with a start on another connection.
		_ = session.Close()
		connLog.Warn().Err(err).Str("callSid", st.CallSID).Msg("duplicate start for live call rejected")
		s.metrics.RecordProtocolError()
		return
	}

	owned[cs.CallSID] = cs
	s.metrics.RecordCallStart()
	cs.log.Info().
		Str("encoding", st.MediaFormat.Encoding).
		Int("sampleRate", st.MediaFormat.SampleRate).
		Msg("call session started")
}

func (s *Server) handleMedia(ctx context.Context, frame *telephony.Frame, connLog zerolog.Logger) {
	cs := s.reg.GetByStream(frame.StreamSID)
	if cs == nil {
		// No active session for this stream: dropped, never buffered.
		s.metrics.RecordFrameDropped("no_active_session")
		connLog.Debug().Str("streamSid", frame.StreamSID).Msg("dropping media frame for inactive stream")
		return
	}

	audio, err := frame.Media.DecodeAudio()
	if err != nil {
		connLog.Warn().Err(err).Str("callSid", cs.CallSID).Msg("dropping undecodable media frame")
		s.metrics.RecordProtocolError()
		return
	}

	s.metrics.RecordAudioReceived(len(audio))
	if err := cs.Forward(ctx, audio); err != nil {
		s.metrics.RecordFrameDropped("forward_failed")
		connLog.Debug().Err(err).Str("callSid", cs.CallSID).Msg("media frame not forwarded")
	}
}

func (s *Server) handleStop(frame *telephony.Frame, owned map[string]*CallSession, connLog zerolog.Logger) {
	cs := s.reg.GetByStream(frame.StreamSID)
	if cs == nil {
		connLog.Debug().Str("streamSid", frame.StreamSID).Msg("stop for inactive stream ignored")
		return
	}

	cs.log.Info().Uint64("frames", cs.Frames()).Msg("stop received, finalizing call session")
	delete(owned, cs.CallSID)
	s.finalize(cs)
}

// finalize closes the transcription session and releases the call session.
// Safe to call from the stop path, the connection-close path and the reaper.
func (s *Server) finalize(cs *CallSession) {
	if err := cs.Close(); err != nil {
		cs.log.Warn().Err(err).Msg("error closing transcription session")
	}
	s.reg.Remove(cs)
	s.metrics.RecordCallEnd(cs.Duration().Seconds())
}

// RunReaper force-closes call sessions that have seen no media and no stop
// for longer than the idle timeout, and evicts expired completion markers.
// Blocks until ctx is done; run it in its own goroutine. A no-op when both
// timeouts are zero.
func (s *Server) RunReaper(ctx context.Context) {
	if s.opts.SessionIdleTimeout <= 0 && s.opts.CompletedTTL <= 0 {
		return
	}

	ticker := time.NewTicker(s.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.opts.SessionIdleTimeout > 0 {
				for _, cs := range s.reg.Stale(s.opts.SessionIdleTimeout) {
					cs.log.Warn().
						Dur("idle", cs.IdleFor()).
						Msg("reaping idle call session")
					s.metrics.RecordSessionReaped()
					s.finalize(cs)
				}
			}
			if s.opts.CompletedTTL > 0 {
				if n := s.reg.PruneCompleted(s.opts.CompletedTTL); n > 0 {
					log.Debug().Int("evicted", n).Msg("expired completion markers evicted")
				}
			}
		}
	}
}

func primaryTrack(tracks []string) string {
	if len(tracks) > 0 {
		return tracks[0]
	}
	return telephony.TrackInbound
}
