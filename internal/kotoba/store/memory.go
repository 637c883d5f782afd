package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/bdobrica/kotoba/internal/kotoba/memory"
)

var _ memory.Persister = (*MemorySnapshots)(nil)

// MemorySnapshots persists the memory store's snapshot in the memory_entries
// table. Every Save replaces the table contents in one transaction.
type MemorySnapshots struct {
	s *Store
}

// MemorySnapshots returns a memory.Persister backed by this database.
func (s *Store) MemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{s: s}
}

// Load reads every stored entry, grouped by user in chronological order.
func (m *MemorySnapshots) Load() (map[string][]memory.Entry, error) {
	rows, err := m.s.db.QueryContext(context.Background(), `
		SELECT user_id, created_at, user_message, assistant_response
		FROM memory_entries
		ORDER BY user_id, seq
	`)
	if err != nil {
		return nil, fmt.Errorf("query memory entries: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]memory.Entry)
	for rows.Next() {
		var user, created string
		var e memory.Entry
		if err := rows.Scan(&user, &created, &e.UserMessage, &e.AssistantResponse); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse memory timestamp %q: %w", created, err)
		}
		out[user] = append(out[user], e)
	}
	return out, rows.Err()
}

// Save replaces the stored snapshot with snapshot.
func (m *MemorySnapshots) Save(snapshot map[string][]memory.Entry) error {
	ctx := context.Background()
	tx, err := m.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_entries"); err != nil {
		return fmt.Errorf("clear memory entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO memory_entries (user_id, seq, created_at, user_message, assistant_response)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare memory insert: %w", err)
	}
	defer stmt.Close()

	users := make([]string, 0, len(snapshot))
	for u := range snapshot {
		users = append(users, u)
	}
	sort.Strings(users)

	for _, u := range users {
		for i, e := range snapshot[u] {
			if _, err := stmt.ExecContext(ctx, u, i, formatTime(e.CreatedAt), e.UserMessage, e.AssistantResponse); err != nil {
				return fmt.Errorf("insert memory entry for %s: %w", u, err)
			}
		}
	}
	return tx.Commit()
}
