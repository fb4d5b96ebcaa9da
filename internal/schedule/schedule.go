// Package schedule runs a function on a cron expression. It replaces an
// external cron for deployments that keep a long-lived process around.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// Runner invokes fn at every tick of a 5-field cron expression. Ticks that
// pass while fn is still running are skipped, not queued.
type Runner struct {
	expr   string
	fn     func(context.Context) error
	logger *zap.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func New(expr string, fn func(context.Context) error, logger *zap.Logger) (*Runner, error) {
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	return &Runner{
		expr:   expr,
		fn:     fn,
		logger: logger,
		now:    time.Now,
		after:  time.After,
	}, nil
}

// Next returns the first tick strictly after from.
func Next(expr string, from time.Time) (time.Time, error) {
	return gronx.NextTickAfter(expr, from, false)
}

// Run blocks until ctx is cancelled. A failing fn is logged and the loop
// waits for the next tick.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("scheduler started", zap.String("schedule", r.expr))

	for {
		if ctx.Err() != nil {
			r.logger.Info("scheduler stopped")
			return nil
		}

		now := r.now()
		next, err := Next(r.expr, now)
		if err != nil {
			return fmt.Errorf("next tick for %q: %w", r.expr, err)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("scheduler stopped")
			return nil
		case <-r.after(next.Sub(now)):
		}

		if ctx.Err() != nil {
			continue
		}

		start := time.Now()
		if err := r.fn(ctx); err != nil {
			r.logger.Error("scheduled run failed",
				zap.Time("tick", next),
				zap.Error(err),
			)
			continue
		}
		r.logger.Debug("scheduled run finished",
			zap.Time("tick", next),
			zap.Duration("took", time.Since(start)),
		)
	}
}
