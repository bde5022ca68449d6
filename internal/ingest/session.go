package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"call-transcription-service/internal/transcribe"
)

// CallSession is the server-side state for one physically active call's media
// stream. Created on a start frame, destroyed on stop, connection close or
// reaping, whichever comes first. Sessions for different calls never share
// mutable state.
type CallSession struct {
	CallSID   string
	StreamSID string

	session       *transcribe.Session
	started       time.Time
	frames        atomic.Uint64
	lastActivity  atomic.Int64 // unix nanos
	progressEvery uint64
	log           zerolog.Logger
}

func newCallSession(callSID, streamSID string, session *transcribe.Session, progressEvery int, logger zerolog.Logger) *CallSession {
	cs := &CallSession{
		CallSID:       callSID,
		StreamSID:     streamSID,
		session:       session,
		started:       time.Now(),
		progressEvery: uint64(progressEvery),
		log:           logger,
	}
	cs.touch()
	return cs
}

func (cs *CallSession) touch() {
	cs.lastActivity.Store(time.Now().UnixNano())
}

// Forward sends decoded audio bytes to the call's transcription session in
// receipt order. Audio for a finalized session is rejected, not buffered.
func (cs *CallSession) Forward(ctx context.Context, audio []byte) error {
	cs.touch()

	n := cs.frames.Add(1)
	if cs.progressEvery > 0 && n%cs.progressEvery == 0 {
		cs.log.Debug().Uint64("frames", n).Msg("media frames forwarded")
	}

	return cs.session.Send(ctx, audio)
}

// Close finalizes the transcription session. Idempotent: the stop frame, the
// connection-close path and the reaper can all race here safely.
func (cs *CallSession) Close() error {
	return cs.session.Close()
}

// IdleFor returns how long ago the session last saw a media frame.
func (cs *CallSession) IdleFor() time.Duration {
	return time.Since(time.Unix(0, cs.lastActivity.Load()))
}

// Duration returns how long the session has existed.
func (cs *CallSession) Duration() time.Duration {
	return time.Since(cs.started)
}

// Frames returns the number of media frames forwarded so far.
func (cs *CallSession) Frames() uint64 {
	return cs.frames.Load()
}
