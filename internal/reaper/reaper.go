// Package reaper deletes terminal jobs once they outlive their TTL.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Purger is the slice of job.Store the reaper needs.
type Purger interface {
	PurgeOlderThan(ctx context.Context, ttl time.Duration) (int64, error)
}

// Reaper runs PurgeOlderThan on a cron schedule.
type Reaper struct {
	store    Purger
	ttl      time.Duration
	schedule string
	logger   *zap.Logger
}

// New builds a reaper. schedule accepts standard five field cron expressions
// and descriptors such as "@every 1h".
func New(store Purger, ttl time.Duration, schedule string, logger *zap.Logger) (*Reaper, error) {
	if store == nil {
		return nil, errors.New("reaper requires a store")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("reaper ttl must be positive, got %s", ttl)
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse reaper schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{store: store, ttl: ttl, schedule: schedule, logger: logger}, nil
}

// RunOnce purges expired jobs and returns how many were removed.
func (r *Reaper) RunOnce(ctx context.Context) (int64, error) {
	n, err := r.store.PurgeOlderThan(ctx, r.ttl)
	if err != nil {
		return 0, fmt.Errorf("purge expired jobs: %w", err)
	}
	if n > 0 {
		r.logger.Info("expired jobs purged", zap.Int64("count", n), zap.Duration("ttl", r.ttl))
	}
	return n, nil
}

// Start schedules RunOnce and blocks until ctx ends. A run in progress is
// allowed to finish before Start returns.
func (r *Reaper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reaper run failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	c.Start()
	r.logger.Info("reaper started", zap.String("schedule", r.schedule), zap.Duration("ttl", r.ttl))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
