package accountrisk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mulehunter/mulehunter/internal/errs"
	"github.com/mulehunter/mulehunter/internal/metrics"
	"github.com/mulehunter/mulehunter/internal/retry"
	"github.com/mulehunter/mulehunter/internal/syncutil"
)

const (
	defaultLockWait     = 250 * time.Millisecond
	defaultLockAttempts = 3
	lockRetryDelay      = 5 * time.Millisecond
)

// Ledger applies transfer legs to account records. Updates to the same
// account are linearizable; updates to different accounts are independent.
// The ledger is not idempotent per call: callers that retry must deduplicate
// at the transfer level.
type Ledger struct {
	store        Store
	locks        *syncutil.KeyedMutex
	lockWait     time.Duration
	lockAttempts int
	now          func() time.Time
	logger       *slog.Logger
}

// New creates a ledger over store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:        store,
		locks:        syncutil.NewKeyedMutex(),
		lockWait:     defaultLockWait,
		lockAttempts: defaultLockAttempts,
		now:          time.Now,
		logger:       logger,
	}
}

// WithLockWait sets how long a single lock attempt may wait and how many
// attempts are made before ErrConcurrencyConflict is returned.
func (l *Ledger) WithLockWait(wait time.Duration, attempts int) *Ledger {
	l.lockWait = wait
	l.lockAttempts = attempts
	return l
}

// WithClock replaces the time source used for UpdatedAt.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// ApplyOutgoing records amount leaving nodeID.
func (l *Ledger) ApplyOutgoing(ctx context.Context, nodeID int64, amount decimal.Decimal) (*Record, error) {
	return l.apply(ctx, nodeID, Outgoing, amount)
}

// ApplyIncoming records amount arriving at nodeID.
func (l *Ledger) ApplyIncoming(ctx context.Context, nodeID int64, amount decimal.Decimal) (*Record, error) {
	return l.apply(ctx, nodeID, Incoming, amount)
}

// Apply dispatches on direction. Reconciliation uses it to replay a single
// missing leg.
func (l *Ledger) Apply(ctx context.Context, nodeID int64, dir Direction, amount decimal.Decimal) (*Record, error) {
	if dir != Outgoing && dir != Incoming {
		return nil, errs.Invalid("direction", "direction must be outgoing or incoming")
	}
	return l.apply(ctx, nodeID, dir, amount)
}

func (l *Ledger) apply(ctx context.Context, nodeID int64, dir Direction, amount decimal.Decimal) (*Record, error) {
	if nodeID < 0 {
		l.observe(dir, "invalid")
		return nil, errs.Invalid("account", "account id must be non-negative")
	}
	if err := ValidateAmount(amount); err != nil {
		l.observe(dir, "invalid")
		return nil, err
	}
	amount = normalizeAmount(amount)

	unlock, err := l.lock(ctx, nodeID)
	if err != nil {
		l.observe(dir, "conflict")
		return nil, err
	}
	defer unlock()

	rec, err := l.store.Apply(ctx, nodeID, Delta{Direction: dir, Amount: amount, At: l.now()})
	if err != nil {
		l.observe(dir, "error")
		l.logger.Warn("ledger update failed",
			"node_id", nodeID, "direction", string(dir), "amount", amount.String(), "error", err)
		return nil, errs.Storage("ledger apply", err)
	}

	l.observe(dir, "ok")
	return rec, nil
}

// lock acquires the per-account lock with a bounded wait per attempt.
func (l *Ledger) lock(ctx context.Context, nodeID int64) (func(), error) {
	key := strconv.FormatInt(nodeID, 10)
	unlock, err := retry.DoValue(ctx, l.lockAttempts, lockRetryDelay, func() (func(), error) {
		attemptCtx, cancel := context.WithTimeout(ctx, l.lockWait)
		defer cancel()

		unlock, err := l.locks.Lock(attemptCtx, key)
		if err == nil {
			return unlock, nil
		}
		if ctx.Err() != nil {
			return nil, retry.Permanent(ctx.Err())
		}
		return nil, errs.ErrConcurrencyConflict
	})
	if err == nil {
		return unlock, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("account %d: %w: %w", nodeID, errs.ErrConcurrencyConflict, err)
	}
	return nil, fmt.Errorf("account %d: %w", nodeID, errs.ErrConcurrencyConflict)
}

// Get returns the record for nodeID or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, nodeID int64) (*Record, error) {
	rec, err := l.store.Get(ctx, nodeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, errs.Storage("ledger get", err)
	}
	return rec, nil
}

// List returns up to limit records, riskiest first.
func (l *Ledger) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	recs, err := l.store.List(ctx, limit)
	if err != nil {
		return nil, errs.Storage("ledger list", err)
	}
	return recs, nil
}

func (l *Ledger) observe(dir Direction, result string) {
	metrics.LedgerUpdatesTotal.WithLabelValues(string(dir), result).Inc()
}
