package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is how often the timer runs reconciliation.
const DefaultInterval = 5 * time.Minute

// Timer runs the reconciliation pass on startup and then on every tick, so
// outcomes left inconsistent by a crash are repaired before the first
// interval elapses.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	running  atomic.Bool

	last     atomic.Pointer[Report]
	failures atomic.Int64
}

// NewTimer creates a new reconciliation timer.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastReport returns the report of the most recent successful pass, or nil
// before the first one completes.
func (t *Timer) LastReport() *Report {
	return t.last.Load()
}

// ConsecutiveFailures counts failed passes since the last success.
func (t *Timer) ConsecutiveFailures() int64 {
	return t.failures.Load()
}

// Start runs a pass immediately and then one per interval until ctx is
// cancelled or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeRun(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.failures.Add(1)
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	rep, err := t.runner.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		// An admin-triggered pass is in flight; it covers this tick.
	case err != nil:
		n := t.failures.Add(1)
		t.logger.Warn("reconciliation run failed", "error", err, "consecutive_failures", n)
	default:
		t.failures.Store(0)
		t.last.Store(rep)
		if rep.Pending > 0 {
			t.logger.Warn("ledger-inconsistent transfers remain", "pending", rep.Pending, "repaired", rep.Repaired)
		}
	}
}
