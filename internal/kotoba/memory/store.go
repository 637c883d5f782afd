// Package memory implements Kotoba's short-term conversational memory: a
// bounded, per-user log of recent turns that the response pipeline consults
// to give the model some continuity between messages.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is a single remembered turn. Entries are immutable once stored.
type Entry struct {
	CreatedAt         time.Time `json:"timestamp"`
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response"`
}

// Config holds the bounds applied by the Store.
type Config struct {
	// MaxPerUser is the maximum number of entries kept per user. When
	// exceeded, the oldest entries are dropped. Default: 20.
	MaxPerUser int

	// MaxUserMessageLen and MaxResponseLen bound the stored text, in runes.
	// Defaults: 500 and 1000.
	MaxUserMessageLen int
	MaxResponseLen    int

	// Retention is the age after which entries are purged during
	// maintenance, regardless of count. Default: 24 hours.
	Retention time.Duration

	// PurgeInterval is the minimum time between two opportunistic purges
	// triggered by Add. Default: 1 hour.
	PurgeInterval time.Duration

	// Window is the number of most recent entries considered by Relevant.
	// Default: 10.
	Window int

	// Scorer ranks candidate entries for Relevant. Default: KeywordScorer.
	Scorer Scorer

	// Persister, when set, is loaded once by NewStore and receives a full
	// snapshot after every mutation.
	Persister Persister
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerUser:        20,
		MaxUserMessageLen: 500,
		MaxResponseLen:    1000,
		Retention:         24 * time.Hour,
		PurgeInterval:     time.Hour,
		Window:            10,
	}
}

// Store maps user identifiers to their memory logs.
// It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	cfg       Config
	logs      map[string][]Entry
	lastPurge time.Time
}

// NewStore creates a Store. When cfg.Persister is set its contents are loaded;
// a load failure is logged and the store starts empty.
func NewStore(cfg Config) *Store {
	def := DefaultConfig()
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = def.MaxPerUser
	}
	if cfg.MaxUserMessageLen <= 0 {
		cfg.MaxUserMessageLen = def.MaxUserMessageLen
	}
	if cfg.MaxResponseLen <= 0 {
		cfg.MaxResponseLen = def.MaxResponseLen
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Scorer == nil {
		cfg.Scorer = KeywordScorer{}
	}

	s := &Store{
		cfg:       cfg,
		logs:      make(map[string][]Entry),
		lastPurge: time.Now(),
	}

	if cfg.Persister != nil {
		loaded, err := cfg.Persister.Load()
		if err != nil {
			slog.Warn("memory: could not load persisted memories; starting empty", "err", err)
		}
		for user, entries := range loaded {
			if len(entries) == 0 {
				continue
			}
			if len(entries) > cfg.MaxPerUser {
				entries = entries[len(entries)-cfg.MaxPerUser:]
			}
			s.logs[user] = append([]Entry(nil), entries...)
		}
		s.purgeLocked(time.Now())
		if len(s.logs) > 0 {
			slog.Info("memory: loaded persisted memories", "users", len(s.logs))
		}
	}
	return s
}

// Add records one turn for user. Both texts are truncated to their configured
// maximum, the user's log is trimmed to MaxPerUser (oldest first) and, when a
// Persister is configured, the new state is flushed. A flush failure is logged
// and otherwise ignored.
func (s *Store) Add(user, userMessage, assistantResponse string) {
	s.addAt(user, userMessage, assistantResponse, time.Now())
}

// addAt is the time-injectable core of Add.
func (s *Store) addAt(user, userMessage, assistantResponse string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := Entry{
		CreatedAt:         now,
		UserMessage:       truncate(userMessage, s.cfg.MaxUserMessageLen),
		AssistantResponse: truncate(assistantResponse, s.cfg.MaxResponseLen),
	}

	log := append(s.logs[user], entry)
	if len(log) > s.cfg.MaxPerUser {
		log = log[len(log)-s.cfg.MaxPerUser:]
	}
	s.logs[user] = log

	if now.Sub(s.lastPurge) > s.cfg.PurgeInterval {
		s.purgeLocked(now)
	}

	s.flushLocked()
	slog.Debug("memory: added entry", "user", user, "entries", len(s.logs[user]))
}

// Relevant returns up to limit entries for user, ranked by the configured
// Scorer over the most recent Window entries (or limit entries, if larger).
// Unknown users yield an empty slice.
func (s *Store) Relevant(ctx context.Context, user, currentMessage string, limit int) []Entry {
	if limit <= 0 {
		return nil
	}

	s.mu.Lock()
	log := s.logs[user]
	window := s.cfg.Window
	if limit > window {
		window = limit
	}
	if len(log) > window {
		log = log[len(log)-window:]
	}
	candidates := append([]Entry(nil), log...)
	scorer := s.cfg.Scorer
	s.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}
	return scorer.Rank(ctx, currentMessage, candidates, limit)
}

// Stats returns the number of stored entries per user.
func (s *Store) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[string]int, len(s.logs))
	for user, log := range s.logs {
		stats[user] = len(log)
	}
	return stats
}

// Clear removes every entry for user. Clearing an unknown user is a no-op.
func (s *Store) Clear(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[user]; !ok {
		return
	}
	delete(s.logs, user)
	s.flushLocked()
}

// Purge drops every entry older than the retention window relative to now and
// returns the number of entries removed. It is called opportunistically by Add
// and periodically by the maintenance scheduler.
func (s *Store) Purge(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.purgeLocked(now)
	if removed > 0 {
		s.flushLocked()
	}
	return removed
}

// purgeLocked must be called with mu held.
func (s *Store) purgeLocked(now time.Time) int {
	cutoff := now.Add(-s.cfg.Retention)
	removed := 0
	for user, log := range s.logs {
		kept := log[:0]
		for _, e := range log {
			if e.CreatedAt.After(cutoff) {
				kept = append(kept, e)
			}
		}
		removed += len(log) - len(kept)
		if len(kept) == 0 {
			delete(s.logs, user)
			continue
		}
		s.logs[user] = kept
	}
	s.lastPurge = now
	if removed > 0 {
		slog.Info("memory: purged expired entries", "removed", removed, "retention", s.cfg.Retention)
	}
	return removed
}

// flushLocked writes a snapshot through the persister. Must be called with mu held.
func (s *Store) flushLocked() {
	if s.cfg.Persister == nil {
		return
	}
	if err := s.cfg.Persister.Save(s.snapshotLocked()); err != nil {
		slog.Error("memory: flush failed", "err", err)
	}
}

func (s *Store) snapshotLocked() map[string][]Entry {
	snap := make(map[string][]Entry, len(s.logs))
	for user, log := range s.logs {
		snap[user] = append([]Entry(nil), log...)
	}
	return snap
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
