// Package transfers is the append-only log of processed transfers.
//
// An Outcome is written once per transfer and never changed afterwards,
// except that reconciliation may mark ledger legs it repaired.
package transfers

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mulehunter/mulehunter/internal/pagination"
	"github.com/mulehunter/mulehunter/internal/scorer"
)

var (
	ErrNotFound  = errors.New("transfer not found")
	ErrDuplicate = errors.New("transfer already recorded")
)

// FingerprintSignal is the client-fingerprint contribution folded into an
// outcome. Detected is false when the request carried no fingerprint.
type FingerprintSignal struct {
	Detected bool    `json:"detected"`
	Risk     float64 `json:"risk"`
	Velocity int     `json:"velocity"`
	Fanout   int     `json:"fanout"`
}

// Outcome is the recorded result of one processed transfer.
type Outcome struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	SourceAccount  int64           `json:"sourceAccount"`
	TargetAccount  int64           `json:"targetAccount"`
	Amount         decimal.Decimal `json:"amount"`

	RiskScore      float64        `json:"riskScore"`
	Verdict        scorer.Verdict `json:"verdict"`
	ScoreSource    scorer.Source  `json:"scoreSource"`
	SuspectedFraud bool           `json:"suspectedFraud"`

	Fingerprint *FingerprintSignal `json:"fingerprint,omitempty"`

	OutgoingApplied  bool       `json:"outgoingApplied"`
	IncomingApplied  bool       `json:"incomingApplied"`
	LedgerConsistent bool       `json:"ledgerConsistent"`
	ReconciledAt     *time.Time `json:"reconciledAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	// Replayed is set on responses served from an idempotency key. It is
	// not stored.
	Replayed bool `json:"replayed,omitempty"`
}

// Filter selects outcomes for List. Results are newest first.
type Filter struct {
	Account      *int64 // nil matches any account
	Flagged      bool   // only suspected fraud
	Inconsistent bool   // only ledger-inconsistent outcomes
	Cursor       *pagination.Cursor
	Limit        int
}

func (f Filter) match(o *Outcome) bool {
	if f.Account != nil && o.SourceAccount != *f.Account && o.TargetAccount != *f.Account {
		return false
	}
	if f.Flagged && !o.SuspectedFraud {
		return false
	}
	if f.Inconsistent && o.LedgerConsistent {
		return false
	}
	return f.Cursor.Precedes(o.CreatedAt, o.ID)
}

// Store persists transfer outcomes.
type Store interface {
	// Append records a new outcome. It fails with ErrDuplicate if the id is
	// already taken.
	Append(ctx context.Context, o *Outcome) error
	Get(ctx context.Context, id string) (*Outcome, error)
	List(ctx context.Context, f Filter) ([]*Outcome, error)
	// MarkLegs records legs applied after the fact. Legs are only ever set,
	// never cleared. Once both legs are applied the outcome becomes
	// consistent and ReconciledAt is stamped with at.
	MarkLegs(ctx context.Context, id string, outgoing, incoming bool, at time.Time) (*Outcome, error)
}
