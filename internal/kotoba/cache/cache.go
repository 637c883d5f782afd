// Package cache holds previously generated replies so that repeating the same
// question within a short window does not cost another model call.
//
// Entries are keyed by user and normalised message text, expire after a TTL
// and are capped in number with oldest-first eviction.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a cached reply may be served.
	DefaultTTL = 300 * time.Second
	// DefaultCapacity bounds the number of cached replies.
	DefaultCapacity = 100
)

// Cache is the contract shared by the in-process and Redis backends.
// Backends are best-effort: a failing backend behaves like an empty cache.
type Cache interface {
	// Get returns the cached reply and true when an unexpired entry exists.
	Get(ctx context.Context, user, message string) (string, bool)
	// Put stores reply, then drops expired entries and evicts the oldest
	// until the backend is within capacity.
	Put(ctx context.Context, user, message, reply string)
	// Len reports the number of live entries.
	Len(ctx context.Context) int
	// Sweep removes expired entries and returns how many were dropped.
	Sweep(ctx context.Context) int
}

// Key returns the cache key for a (user, message) pair. The message is
// lowercased and trimmed so that trivial variants share one entry.
func Key(user, message string) string {
	normalized := strings.ToLower(strings.TrimSpace(message))
	sum := sha256.Sum256([]byte(user + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

type entry struct {
	reply     string
	createdAt time.Time
	seq       uint64 // insertion order; breaks createdAt ties
}

// Memory is the default in-process Cache. It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]entry
	seq      uint64
	now      func() time.Time
}

// NewMemory creates an in-process cache. Non-positive arguments select the
// package defaults.
func NewMemory(ttl time.Duration, capacity int) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]entry),
		now:      time.Now,
	}
}

func (m *Memory) Get(_ context.Context, user, message string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[Key(user, message)]
	if !ok || m.now().Sub(e.createdAt) >= m.ttl {
		return "", false
	}
	return e.reply, true
}

func (m *Memory) Put(_ context.Context, user, message, reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.seq++
	m.entries[Key(user, message)] = entry{reply: reply, createdAt: now, seq: m.seq}
	m.sweepLocked(now)

	for len(m.entries) > m.capacity {
		var oldestKey string
		var oldest entry
		first := true
		for k, e := range m.entries {
			if first || olderThan(e, oldest) {
				oldestKey, oldest, first = k, e, false
			}
		}
		delete(m.entries, oldestKey)
	}
}

func olderThan(a, b entry) bool {
	if a.createdAt.Equal(b.createdAt) {
		return a.seq < b.seq
	}
	return a.createdAt.Before(b.createdAt)
}

func (m *Memory) Len(_ context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) Sweep(_ context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(m.now())
}

// sweepLocked must be called with mu held.
func (m *Memory) sweepLocked(now time.Time) int {
	removed := 0
	for k, e := range m.entries {
		if now.Sub(e.createdAt) >= m.ttl {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

var _ Cache = (*Memory)(nil)
