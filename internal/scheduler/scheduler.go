// Package scheduler drives the refresh cycle on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/ndfd-kml-publisher/internal/job"
)

// Runner executes one refresh cycle.
type Runner interface {
	RunCycle(ctx context.Context) error
}

// Scheduler runs the job immediately on start and then once per interval
// until its context is cancelled. A tick that lands while a cycle is still
// running is skipped; the interval is never stretched to compensate.
type Scheduler struct {
	runner       Runner
	interval     time.Duration
	cycleTimeout time.Duration
	logger       *zap.Logger
	clock        clockwork.Clock
}

// New creates a Scheduler. clock may be nil for the real clock.
func New(runner Runner, interval, cycleTimeout time.Duration, logger *zap.Logger, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		runner:       runner,
		interval:     interval,
		cycleTimeout: cycleTimeout,
		logger:       logger,
		clock:        clock,
	}
}

// Run blocks until ctx is cancelled. The first cycle starts right away so a
// fresh process publishes without waiting a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("cycle_timeout", s.cycleTimeout))

	s.runOnce(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.Chan():
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	cycleCtx := ctx
	cancel := context.CancelFunc(func() {})
	if s.cycleTimeout > 0 {
		cycleCtx, cancel = context.WithTimeout(ctx, s.cycleTimeout)
	}
	defer cancel()

	err := s.runner.RunCycle(cycleCtx)
	switch {
	case err == nil:
	case errors.Is(err, job.ErrCycleInProgress):
		s.logger.Warn("tick skipped, previous cycle still running")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error("refresh cycle failed", zap.Error(err))
	}
}
