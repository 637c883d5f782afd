package pipeline

import (
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the number of generated replies a single user may
	// request per window before being asked to slow down.
	DefaultRateLimit = 20

	defaultRateWindow = time.Minute
)

// RateLimiter enforces a per-user sliding-window limit on generation
// requests. Cached replies never reach it.
//
// It keeps the request timestamps of each user within the current window and
// prunes stale ones on every call, so memory stays bounded to O(limit) per
// active user. Users whose window empties are forgotten.
//
// RateLimiter is safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	requests map[string][]time.Time
}

// NewRateLimiter returns a RateLimiter that admits at most limit requests per
// user within window. Non-positive values select DefaultRateLimit and one
// minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		requests: make(map[string][]time.Time),
	}
}

// Allow reports whether user may make another request and, if so, records it.
func (r *RateLimiter) Allow(user string) bool {
	return r.allowAt(user, time.Now())
}

func (r *RateLimiter) allowAt(user string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	valid := r.pruneLocked(user, now)
	if len(valid) >= r.limit {
		r.requests[user] = valid
		return false
	}
	r.requests[user] = append(valid, now)
	return true
}

// Remaining returns how many requests user can still make in the current
// window.
func (r *RateLimiter) Remaining(user string) int {
	return r.remainingAt(user, time.Now())
}

func (r *RateLimiter) remainingAt(user string, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	valid := r.pruneLocked(user, now)
	if len(valid) == 0 {
		delete(r.requests, user)
	} else {
		r.requests[user] = valid
	}
	return max(r.limit-len(valid), 0)
}

// pruneLocked drops timestamps outside the window, reusing the backing array.
func (r *RateLimiter) pruneLocked(user string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	existing := r.requests[user]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}
