package keypool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler persists the settled token and day state of a Pool on a fixed tick and
// right after midnight. Grants are computed from the shared state, so running one
// Scheduler per process does not multiply them.
type Scheduler struct {
	pool        *Pool
	clock       Clock
	location    *time.Location
	refillEvery time.Duration
	logger      *zap.Logger
}

// SchedulerConfig tunes the Scheduler.
type SchedulerConfig struct {
	// RefillEvery defaults to one second.
	RefillEvery time.Duration
	// Location decides where the day boundary falls. Defaults to UTC.
	Location *time.Location
}

// NewScheduler creates a Scheduler for pool.
func NewScheduler(pool *Pool, clock Clock, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.RefillEvery <= 0 {
		cfg.RefillEvery = time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		pool:        pool,
		clock:       clock,
		location:    cfg.Location,
		refillEvery: cfg.RefillEvery,
		logger:      logger,
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	refill := time.NewTicker(s.refillEvery)
	defer refill.Stop()

	reset := time.NewTimer(s.untilReset())
	defer reset.Stop()

	s.logger.Info("key pool scheduler started",
		zap.Duration("refill_every", s.refillEvery),
		zap.String("location", s.location.String()),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("key pool scheduler stopped")
			return
		case <-refill.C:
			if err := s.pool.Refill(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("token refill failed", zap.Error(err))
			}
		case <-reset.C:
			if err := s.pool.Refill(ctx); err != nil {
				s.logger.Error("daily rollover failed", zap.Error(err))
			} else {
				s.logger.Info("daily usage rolled over")
			}
			reset.Reset(s.untilReset())
		}
	}
}

func (s *Scheduler) untilReset() time.Duration {
	now := s.clock.Now()
	d := NextReset(now, s.location).Sub(now)
	if d <= 0 {
		return time.Second
	}
	return d
}

// NextReset returns the next midnight after now in loc.
func NextReset(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}
