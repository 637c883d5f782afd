// Package retry runs an operation again after transient failures, waiting an
// exponentially growing delay between attempts.
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond},
//		func(attempt int) error { return provider.Ping(ctx) })
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config controls the retry behaviour. Zero values select DefaultConfig.
type Config struct {
	// MaxAttempts counts every call, the first included. Values below 1 mean
	// a single attempt.
	MaxAttempts int
	// InitialDelay is the wait after the first failure. Each later wait is
	// twice the previous one, capped at MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// ShouldRetry classifies errors. Nil retries every error.
	ShouldRetry func(err error) bool
	// BeforeRetry runs between a failed attempt and its backoff wait with the
	// 1-based attempt number, its error and the coming delay.
	BeforeRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig suits short network calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// ExhaustedError is returned when every attempt failed. It unwraps to the
// last attempt's error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultConfig.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultConfig.MaxDelay
	}
	return c
}

// Delay returns the wait that follows failed attempt n (1-based).
func (c Config) Delay(n int) time.Duration {
	c = c.withDefaults()
	d := c.InitialDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return min(d, c.MaxDelay)
}

// Do calls fn until it succeeds, returns an error ShouldRetry rejects, the
// attempts run out or ctx is done. A non-retryable error is returned as is;
// running out of attempts yields an *ExhaustedError; cancellation joins the
// last error with ctx.Err().
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn(attempt)
		switch {
		case lastErr == nil:
			return nil
		case cfg.ShouldRetry != nil && !cfg.ShouldRetry(lastErr):
			return lastErr
		case attempt >= cfg.MaxAttempts:
			return &ExhaustedError{Attempts: attempt, Err: lastErr}
		}

		delay := cfg.Delay(attempt)
		slog.Debug("retry: attempt failed", "attempt", attempt, "of", cfg.MaxAttempts, "err", lastErr, "delay", delay)
		if cfg.BeforeRetry != nil {
			cfg.BeforeRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
}
