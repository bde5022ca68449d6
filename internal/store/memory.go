package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"call-transcription-service/internal/models"
)

// Memory is an in-memory Store. Rows are kept in insertion order, which is
// temporal order per call by the producer-side invariant.
type Memory struct {
	mu   sync.RWMutex
	rows map[string][]Row
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string][]Row)}
}

// Append persists one transcript event.
func (m *Memory) Append(ctx context.Context, ev models.TranscriptEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[ev.CallSID] = append(m.rows[ev.CallSID], Row{
		ID:              uuid.NewString(),
		TranscriptEvent: ev,
	})
	return nil
}

// List returns rows for a call, strictly newer than sinceMs when positive.
func (m *Memory) List(ctx context.Context, callSID string, sinceMs int64) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.rows[callSID]
	out := make([]Row, 0, len(all))
	for _, r := range all {
		if sinceMs > 0 && r.Timestamp <= sinceMs {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Delete removes all rows for a call. A call with no rows is a no-op.
func (m *Memory) Delete(ctx context.Context, callSID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, callSID)
	return nil
}
