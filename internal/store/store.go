// Package store provides append-only persistence for transcript events with
// ordered retrieval and a timestamp cursor for incremental fetch.
package store

import (
	"context"

	"call-transcription-service/internal/models"
)

// Row is the persisted form of a transcript event. ID is server-assigned and
// is the stable tie-break sort key when timestamps collide.
type Row struct {
	ID string
	models.TranscriptEvent
}

// Store is the transcript store contract.
//
// Append is best-effort from the caller's point of view: the transcription
// pipeline logs and continues on failure, because losing one transcript write
// must never interrupt audio handling.
type Store interface {
	// Append persists one finalized transcript event.
	Append(ctx context.Context, ev models.TranscriptEvent) error

	// List returns rows for a call ordered by (timestamp, id) ascending.
	// sinceMs <= 0 returns all rows; otherwise only rows with a strictly
	// greater timestamp are returned.
	List(ctx context.Context, callSID string, sinceMs int64) ([]Row, error)

	// Delete removes all rows for a call. Idempotent.
	Delete(ctx context.Context, callSID string) error
}
