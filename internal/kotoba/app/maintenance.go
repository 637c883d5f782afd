package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// purger is the part of memory.Store used by maintenance.
type purger interface {
	Purge(now time.Time) int
}

// sweeper is the part of cache.Cache used by maintenance.
type sweeper interface {
	Sweep(ctx context.Context) int
}

// turnPruner is the part of store.Store used by maintenance.
type turnPruner interface {
	PruneTurns(ctx context.Context, cutoff time.Time) (int64, error)
}

// Maintenance runs periodic housekeeping: expired memories, expired cache
// entries and old turn records.
type Maintenance struct {
	memory    purger
	cache     sweeper
	turns     turnPruner
	retention time.Duration
	now       func() time.Time

	cron *rcron.Cron
}

// NewMaintenance schedules RunOnce on schedule (robfig/cron syntax, e.g.
// "@every 10m"). Nil dependencies are skipped. The scheduler is not started.
func NewMaintenance(schedule string, mem purger, c sweeper, turns turnPruner, turnRetention time.Duration) (*Maintenance, error) {
	m := &Maintenance{
		memory:    mem,
		cache:     c,
		turns:     turns,
		retention: turnRetention,
		now:       time.Now,
		cron:      rcron.New(),
	}
	if _, err := m.cron.AddFunc(schedule, func() { m.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("maintenance: invalid schedule %q: %w", schedule, err)
	}
	return m, nil
}

// Start begins running the schedule in the background.
func (m *Maintenance) Start() {
	m.cron.Start()
	slog.Info("maintenance: scheduler started", "jobs", len(m.cron.Entries()))
}

// Stop halts the scheduler and waits for a running job to finish, or for
// ctx to expire.
func (m *Maintenance) Stop(ctx context.Context) {
	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
		slog.Warn("maintenance: stop timed out waiting for running job")
	}
}

// Report summarises one maintenance pass.
type Report struct {
	MemoriesPurged int
	CacheSwept     int
	TurnsPruned    int64
}

// RunOnce performs a single maintenance pass.
func (m *Maintenance) RunOnce(ctx context.Context) Report {
	var rep Report
	now := m.now()
	if m.memory != nil {
		rep.MemoriesPurged = m.memory.Purge(now)
	}
	if m.cache != nil {
		rep.CacheSwept = m.cache.Sweep(ctx)
	}
	if m.turns != nil && m.retention > 0 {
		n, err := m.turns.PruneTurns(ctx, now.Add(-m.retention))
		if err != nil {
			slog.Warn("maintenance: prune turns failed", "err", err)
		}
		rep.TurnsPruned = n
	}
	slog.Debug("maintenance: pass complete",
		"memories_purged", rep.MemoriesPurged,
		"cache_swept", rep.CacheSwept,
		"turns_pruned", rep.TurnsPruned)
	return rep
}
