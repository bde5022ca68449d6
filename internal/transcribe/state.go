package transcribe

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the lifecycle state of a transcription session.
type State int

const (
	// StateOpen - session is live, audio can be sent and finals emitted.
	StateOpen State = iota
	// StateClosing - close requested; no more audio, but finals the engine
	// flushes while closing are still accepted.
	StateClosing
	// StateClosed - terminal. No audio, no events.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ErrSessionClosed is returned when audio is sent to a session that is
// closing or closed. Callers drop the frame and move on.
var ErrSessionClosed = errors.New("transcription session is closed")

// lifecycle is the state machine for one transcription session.
// Thread-safe.
//
// State transitions:
//
//	OPEN → CLOSING → CLOSED
//
// Rules:
//   - OPEN: audio allowed, finals allowed
//   - CLOSING: audio rejected, finals still allowed (engine flush)
//   - CLOSED: everything rejected
type lifecycle struct {
	mu    sync.RWMutex
	state State
}

func newLifecycle() *lifecycle {
	return &lifecycle{state: StateOpen}
}

// State returns the current state.
func (l *lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Send validates that audio may be forwarded.
func (l *lifecycle) Send() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != StateOpen {
		return ErrSessionClosed
	}
	return nil
}

// CanEmit reports whether transcript events may still be delivered.
func (l *lifecycle) CanEmit() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state != StateClosed
}

// BeginClose transitions OPEN → CLOSING. Returns false if the close was
// already requested, making close paths idempotent under the stop/
// connection-close race.
func (l *lifecycle) BeginClose() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpen {
		return false
	}
	l.state = StateClosing
	return true
}

// Finish transitions to CLOSED from any state. Idempotent.
func (l *lifecycle) Finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateClosed
}
