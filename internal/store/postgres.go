package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"call-transcription-service/internal/models"
)

// Postgres is the relational Store backed by a pgx connection pool. The
// transcripts table is indexed on (call_sid, timestamp_ms) so incremental
// cursor reads stay cheap while a call is live.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Append persists one transcript event.
func (p *Postgres) Append(ctx context.Context, ev models.TranscriptEvent) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO transcripts (id, call_sid, speaker, text, timestamp_ms, confidence)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), ev.CallSID, string(ev.Speaker), ev.Text, ev.Timestamp, ev.Confidence,
	)
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// List returns rows for a call ordered by (timestamp_ms, id), strictly newer
// than sinceMs when positive.
func (p *Postgres) List(ctx context.Context, callSID string, sinceMs int64) ([]Row, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, speaker, text, timestamp_ms, confidence
		 FROM transcripts
		 WHERE call_sid = $1 AND ($2 <= 0 OR timestamp_ms > $2)
		 ORDER BY timestamp_ms, id`,
		callSID, sinceMs,
	)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	out := make([]Row, 0)
	for rows.Next() {
		var r Row
		var speaker string
		if err := rows.Scan(&r.ID, &speaker, &r.Text, &r.Timestamp, &r.Confidence); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		r.CallSID = callSID
		r.Speaker = models.Speaker(speaker)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	return out, nil
}

// Delete removes all rows for a call. Deleting a call with no rows succeeds.
func (p *Postgres) Delete(ctx context.Context, callSID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM transcripts WHERE call_sid = $1`, callSID)
	if err != nil {
		return fmt.Errorf("delete transcripts: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
