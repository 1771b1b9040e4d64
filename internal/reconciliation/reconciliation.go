// Package reconciliation repairs transfers whose ledger legs did not all
// apply. The transfer log is written even when a ledger update fails; the
// outcome is then flagged ledger-inconsistent and this package re-applies
// exactly the legs that are missing.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mulehunter/mulehunter/internal/accountrisk"
	"github.com/mulehunter/mulehunter/internal/transfers"
)

// DefaultBatchSize bounds the outcomes repaired per run.
const DefaultBatchSize = 500

var ErrAlreadyRunning = errors.New("reconciliation already running")

// LegApplier re-applies one ledger leg.
type LegApplier interface {
	Apply(ctx context.Context, nodeID int64, dir accountrisk.Direction, amount decimal.Decimal) (*accountrisk.Record, error)
}

// Report summarizes one reconciliation run.
type Report struct {
	Scanned   int           `json:"scanned"`
	Repaired  int           `json:"repaired"`
	Pending   int           `json:"pending"`
	LegErrors int           `json:"legErrors"`
	Duration  time.Duration `json:"durationNs"`
}

// Runner repairs ledger-inconsistent transfer outcomes.
type Runner struct {
	store     transfers.Store
	ledger    LegApplier
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewRunner creates a reconciliation runner.
func NewRunner(store transfers.Store, ledger LegApplier, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     store,
		ledger:    ledger,
		batchSize: DefaultBatchSize,
		now:       time.Now,
		logger:    logger,
	}
}

// WithBatchSize sets how many outcomes one run examines.
func (r *Runner) WithBatchSize(n int) *Runner {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// RunOnce repairs up to one batch of inconsistent outcomes. Runs are
// serialized; a call made while another run is active returns
// ErrAlreadyRunning.
func (r *Runner) RunOnce(ctx context.Context) (*Report, error) {
	if !r.mu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer r.mu.Unlock()

	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	pending, err := r.store.List(ctx, transfers.Filter{Inconsistent: true, Limit: r.batchSize})
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list inconsistent transfers: %w", err)
	}

	rep := &Report{Scanned: len(pending)}
	for _, o := range pending {
		if ctx.Err() != nil {
			break
		}
		fixed, err := r.repair(ctx, o)
		if err != nil {
			rep.LegErrors++
			reconcileErrors.Inc()
			r.logger.Warn("failed to repair transfer", "transfer_id", o.ID, "error", err)
		}
		if fixed {
			rep.Repaired++
		}
	}
	rep.Pending = rep.Scanned - rep.Repaired
	rep.Duration = time.Since(start)

	reconcilePending.Set(float64(rep.Pending))
	reconcileRepaired.Add(float64(rep.Repaired))
	if rep.Scanned > 0 {
		r.logger.Info("reconciliation run complete",
			"scanned", rep.Scanned, "repaired", rep.Repaired, "pending", rep.Pending, "leg_errors", rep.LegErrors)
	}
	return rep, ctx.Err()
}

// repair applies the missing legs of o one at a time, recording each as soon
// as it succeeds so a failure on the second leg does not repeat the first.
// A leg that applied but could not be recorded is applied again next run.
func (r *Runner) repair(ctx context.Context, o *transfers.Outcome) (bool, error) {
	if !o.OutgoingApplied {
		if _, err := r.ledger.Apply(ctx, o.SourceAccount, accountrisk.Outgoing, o.Amount); err != nil {
			return false, fmt.Errorf("outgoing leg: %w", err)
		}
		updated, err := r.store.MarkLegs(ctx, o.ID, true, false, r.now())
		if err != nil {
			return false, fmt.Errorf("mark outgoing leg: %w", err)
		}
		o = updated
	}
	if !o.IncomingApplied {
		if _, err := r.ledger.Apply(ctx, o.TargetAccount, accountrisk.Incoming, o.Amount); err != nil {
			return false, fmt.Errorf("incoming leg: %w", err)
		}
		updated, err := r.store.MarkLegs(ctx, o.ID, false, true, r.now())
		if err != nil {
			return false, fmt.Errorf("mark incoming leg: %w", err)
		}
		o = updated
	}
	return o.LedgerConsistent, nil
}
