// Package sweeper reclaims expired locks and rows left behind by closed
// initiatives on a fixed interval. Readers already ignore both, so a missed
// or late run never affects correctness.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"artifactvc/internal/engine"
)

// Store is the part of the engine the sweeper drives.
type Store interface {
	SweepExpiredLocks(ctx context.Context, actorID string) (engine.SweepResult, error)
	SweepClosedInitiatives(ctx context.Context) (engine.ReapResult, error)
}

type Sweeper struct {
	Store    Store
	Interval time.Duration
	Logger   *slog.Logger
}

func (s Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run sweeps once immediately, then every Interval until ctx is done.
func (s Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	s.logger().Info("lock sweeper started", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger().Info("lock sweeper stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. Failures are logged and retried on the next tick.
func (s Sweeper) RunOnce(ctx context.Context) {
	locks, err := s.Store.SweepExpiredLocks(ctx, "system")
	if err != nil {
		if ctx.Err() == nil {
			s.logger().Error("lock sweep failed", "error", err)
		}
		return
	}
	reaped, err := s.Store.SweepClosedInitiatives(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger().Error("initiative reap failed", "error", err)
		}
		return
	}
	if locks.Expired+locks.Orphaned+reaped.Drafts+reaped.Locks > 0 {
		s.logger().Info("sweep complete",
			"expired_locks", locks.Expired,
			"orphaned_locks", locks.Orphaned+reaped.Locks,
			"reaped_drafts", reaped.Drafts)
	}
}
