package pipeline

import (
	"context"
	"sync"
	"time"
)

// DefaultMinSpacing is the minimum gap between two generation calls.
const DefaultMinSpacing = 100 * time.Millisecond

// Throttle spaces generation calls globally. The gap is measured from the end
// of the previous call (Mark), not its start, so a slow backend is never hit
// again before it has had a moment to breathe.
type Throttle struct {
	mu      sync.Mutex
	spacing time.Duration
	last    time.Time
	now     func() time.Time
}

// NewThrottle returns a Throttle with the given spacing. A non-positive
// spacing selects DefaultMinSpacing.
func NewThrottle(spacing time.Duration) *Throttle {
	if spacing <= 0 {
		spacing = DefaultMinSpacing
	}
	return &Throttle{spacing: spacing, now: time.Now}
}

// Wait blocks until the spacing has elapsed since the last Mark, or until ctx
// is done.
func (t *Throttle) Wait(ctx context.Context) error {
	wait := t.remaining()
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Mark records the completion of a generation call.
func (t *Throttle) Mark() {
	t.mu.Lock()
	t.last = t.now()
	t.mu.Unlock()
}

func (t *Throttle) remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last.IsZero() {
		return 0
	}
	return t.spacing - t.now().Sub(t.last)
}
