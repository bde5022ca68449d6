package ingest

import (
	"errors"
	"sync"
	"time"
)

// ErrDuplicateCall is returned when a start arrives for a call that already
// has a live session. The offending start is rejected; nothing else on the
// process is affected.
var ErrDuplicateCall = errors.New("call already has an active session")

// Registry tracks active call sessions and completed calls. It is owned by
// the Server instance rather than held as package state, so multiple servers
// and tests run without interference. This map is the only state shared
// across calls; everything else is per-session.
type Registry struct {
	mu       sync.RWMutex
	byCall   map[string]*CallSession
	byStream map[string]*CallSession
	// completed maps call SID to when the call finished. Markers are evicted
	// by PruneCompleted so the map does not grow one entry per call forever.
	completed map[string]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byCall:    make(map[string]*CallSession),
		byStream:  make(map[string]*CallSession),
		completed: make(map[string]time.Time),
	}
}

// Add registers a call session. The call SID is the uniqueness key.
func (r *Registry) Add(cs *CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byCall[cs.CallSID]; exists {
		return ErrDuplicateCall
	}
	r.byCall[cs.CallSID] = cs
	r.byStream[cs.StreamSID] = cs
	delete(r.completed, cs.CallSID)
	return nil
}

// Has reports whether a call has a live session.
func (r *Registry) Has(callSID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byCall[callSID]
	return ok
}

// GetByStream looks up the session media frames belong to. Media and stop
// frames carry the stream identifier, not the call identifier.
func (r *Registry) GetByStream(streamSID string) *CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byStream[streamSID]
}

// Remove releases a call session and marks the call completed so the
// retrieval API can report it drained. Removing an already-removed session
// is a no-op.
func (r *Registry) Remove(cs *CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.byCall[cs.CallSID]; !ok || current != cs {
		return
	}
	delete(r.byCall, cs.CallSID)
	delete(r.byStream, cs.StreamSID)
	r.completed[cs.CallSID] = time.Now()
}

// Completed reports whether the pipeline has observed the end of a call,
// either via a stop frame, a connection close or the idle reaper.
func (r *Registry) Completed(callSID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.completed[callSID]
	return ok
}

// ClearCompleted forgets the completion marker, typically after the client
// deleted the call's transcripts.
func (r *Registry) ClearCompleted(callSID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.completed, callSID)
}

// Active returns the number of live call sessions.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCall)
}

// PruneCompleted evicts completion markers older than ttl and returns how
// many were removed. Polling clients read the completed flag within seconds
// of call end; markers surviving past the ttl have no reader left.
func (r *Registry) PruneCompleted(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for callSID, finished := range r.completed {
		if finished.Before(cutoff) {
			delete(r.completed, callSID)
			n++
		}
	}
	return n
}

// Stale returns sessions idle for longer than maxIdle.
func (r *Registry) Stale(maxIdle time.Duration) []*CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*CallSession
	for _, cs := range r.byCall {
		if cs.IdleFor() > maxIdle {
			out = append(out, cs)
		}
	}
	return out
}
