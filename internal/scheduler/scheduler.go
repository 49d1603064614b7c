package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every polling interval.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
	RunAtStart   bool
}

// Scheduler drives repeated execution of the polling cycle.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick on every interval until ctx is cancelled.
// Tick errors are logged, never fatal; the loop always continues.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunAtStart {
		s.fire(ctx, tick, time.Now().UTC())
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.fire(ctx, tick, now.UTC())
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, now time.Time) {
	s.logger.Debug().Time("tick", now).Msg("executing scheduled tick")
	if err := tick(ctx, now); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error().Err(err).Time("tick", now).Msg("tick execution failed")
	}
}
