package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checker is one monitoring pass the runner drives every cycle
type Checker interface {
	Name() string
	Check(ctx context.Context, now time.Time) error
}

// Runner drives the monitoring cycle: every interval it runs each checker
// in order and then fires postponed notifications whose window elapsed.
// Checker errors are logged and never stop the loop.
type Runner struct {
	interval time.Duration
	checkers []Checker
	postpone *PostponementCoordinator
	logger   *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRunner creates a monitoring runner over the given checkers
func NewRunner(interval time.Duration, postpone *PostponementCoordinator, logger *zap.SugaredLogger, checkers ...Checker) *Runner {
	return &Runner{
		interval: interval,
		checkers: checkers,
		postpone: postpone,
		logger:   logger,
	}
}

// Start begins the monitoring loop. The first cycle runs immediately.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return // already running
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		r.logger.Infow("Monitoring runner started", "interval", r.interval)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.runCycle(ctx)
		for {
			select {
			case <-ctx.Done():
				r.logger.Infow("Monitoring runner stopped")
				return
			case <-ticker.C:
				r.runCycle(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight cycle to finish
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}

// RunCycleNow executes one monitoring cycle synchronously, outside the loop
func (r *Runner) RunCycleNow(ctx context.Context) {
	r.runCycle(ctx)
}

func (r *Runner) runCycle(ctx context.Context) {
	now := time.Now().UTC()
	for _, checker := range r.checkers {
		if ctx.Err() != nil {
			return
		}
		if err := checker.Check(ctx, now); err != nil {
			r.logger.Warnw("Checker pass failed",
				"checker", checker.Name(),
				"error", err)
		}
	}
	if err := r.postpone.FirePostponedDue(ctx, now); err != nil {
		r.logger.Warnw("Failed to fire due postponed notifications", "error", err)
	}
}
