package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/kotoba/internal/kotoba/pipeline"
)

var _ pipeline.TurnRecorder = (*Store)(nil)

// TurnRecord is a stored turn.
type TurnRecord struct {
	ID        string
	TraceID   string
	Sender    string
	Message   string
	Response  string
	Outcome   string
	LatencyMS int64
	CreatedAt time.Time
}

// RecordTurn appends a turn to the log.
func (s *Store) RecordTurn(ctx context.Context, turn pipeline.Turn) error {
	created := turn.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, trace_id, sender, message, response, outcome, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), turn.TraceID, turn.Sender, turn.Message, turn.Response,
		string(turn.Outcome), turn.Latency.Milliseconds(), formatTime(created))
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit turns, newest first. When sender is not
// empty only that sender's turns are returned.
func (s *Store) RecentTurns(ctx context.Context, sender string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, sender, message, response, outcome, latency_ms, created_at
		FROM turns
		WHERE ? = '' OR sender = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, sender, sender, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var r TurnRecord
		var created string
		if err := rows.Scan(&r.ID, &r.TraceID, &r.Sender, &r.Message, &r.Response,
			&r.Outcome, &r.LatencyMS, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse turn timestamp %q: %w", created, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OutcomeCounts returns how many turns ended with each outcome.
func (s *Store) OutcomeCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM turns GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("count turns: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan turn count: %w", err)
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

// PruneTurns deletes turns created before cutoff and returns how many went.
func (s *Store) PruneTurns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM turns WHERE created_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune turns: %w", err)
	}
	return res.RowsAffected()
}
