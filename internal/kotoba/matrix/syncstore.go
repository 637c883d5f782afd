package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var _ mautrix.SyncStore = (*DBSyncStore)(nil)

// Keys in matrix_sync_state.
const (
	keyFilterID  = "filter_id"
	keyNextBatch = "next_batch"
)

// DBSyncStore keeps the /sync position in the matrix_sync_state table so a
// restarted bot resumes where it stopped instead of answering room history
// again. The table's migration must already be applied.
type DBSyncStore struct {
	db *sql.DB
}

// NewDBSyncStore returns a DBSyncStore on db.
func NewDBSyncStore(db *sql.DB) *DBSyncStore {
	return &DBSyncStore{db: db}
}

func (s *DBSyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.put(ctx, userID, keyFilterID, filterID)
}

func (s *DBSyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.get(ctx, userID, keyFilterID)
}

func (s *DBSyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.put(ctx, userID, keyNextBatch, nextBatchToken)
}

// LoadNextBatch returns "" on first run, which makes mautrix start a fresh
// sync.
func (s *DBSyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.get(ctx, userID, keyNextBatch)
}

func (s *DBSyncStore) put(ctx context.Context, userID id.UserID, key, value string) error {
	const q = `INSERT INTO matrix_sync_state (user_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, string(userID), key, value); err != nil {
		return fmt.Errorf("matrix: save %s: %w", key, err)
	}
	return nil
}

func (s *DBSyncStore) get(ctx context.Context, userID id.UserID, key string) (string, error) {
	const q = `SELECT value FROM matrix_sync_state WHERE user_id = ? AND key = ?`
	var value string
	switch err := s.db.QueryRowContext(ctx, q, string(userID), key).Scan(&value); {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("matrix: load %s: %w", key, err)
	}
	return value, nil
}
