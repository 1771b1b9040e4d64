package fingerprint

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically evicts stale fingerprint windows.
type Sweeper struct {
	tracker  *Tracker
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper for tracker.
func NewSweeper(tracker *Tracker, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		tracker:  tracker,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep()
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in fingerprint sweeper", "panic", fmt.Sprint(r))
		}
	}()

	if n := s.tracker.Sweep(); n > 0 {
		s.logger.Debug("fingerprint windows evicted", "count", n, "remaining", s.tracker.Len())
	}
}
