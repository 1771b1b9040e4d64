// Package accountrisk maintains the per-account rolling aggregates that feed
// mule detection: transfer counts in each direction, running totals, the
// signed balance, and the derived outgoing/incoming risk ratio.
//
// Records are created lazily the first time a transfer touches an account and
// are never deleted. All mutation goes through Ledger, which serializes
// updates per account.
package accountrisk

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mulehunter/mulehunter/internal/errs"
)

// Amount limits, matching the NUMERIC(38,18) storage columns: at most
// MaxAmountIntegerDigits digits before the point and MaxAmountScale
// significant digits after it.
const (
	MaxAmountScale         = 18
	MaxAmountIntegerDigits = 20
)

var (
	ErrNotFound = errors.New("account not found")

	one = decimal.NewFromInt(1)
)

// Direction names the side of a transfer a ledger update belongs to.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Record is the aggregate risk state of one account.
type Record struct {
	NodeID         int64           `json:"nodeId"`
	InDegree       int64           `json:"inDegree"`
	OutDegree      int64           `json:"outDegree"`
	TotalIncoming  decimal.Decimal `json:"totalIncoming"`
	TotalOutgoing  decimal.Decimal `json:"totalOutgoing"`
	Balance        decimal.Decimal `json:"balance"`
	RiskRatio      float64         `json:"riskRatio"`
	TxVelocity     float64         `json:"txVelocity"`
	AccountAgeDays int             `json:"accountAgeDays"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// NewRecord returns the seed record for an account that has never been seen.
func NewRecord(nodeID int64, now time.Time) Record {
	return Record{
		NodeID:        nodeID,
		TotalIncoming: decimal.Zero,
		TotalOutgoing: decimal.Zero,
		Balance:       decimal.Zero,
		RiskRatio:     RiskRatio(decimal.Zero, decimal.Zero),
		TxVelocity:    1.0,
		UpdatedAt:     now,
	}
}

// Delta is one ledger update.
type Delta struct {
	Direction Direction
	Amount    decimal.Decimal
	At        time.Time
}

// Apply folds d into r and recomputes the risk ratio.
func (r *Record) Apply(d Delta) {
	switch d.Direction {
	case Outgoing:
		r.OutDegree++
		r.TotalOutgoing = r.TotalOutgoing.Add(d.Amount)
		r.Balance = r.Balance.Sub(d.Amount)
	case Incoming:
		r.InDegree++
		r.TotalIncoming = r.TotalIncoming.Add(d.Amount)
		r.Balance = r.Balance.Add(d.Amount)
	}
	r.RiskRatio = RiskRatio(r.TotalOutgoing, r.TotalIncoming)
	r.UpdatedAt = d.At
}

// RiskRatio is (totalOutgoing + 1) / (totalIncoming + 1). Pass-through
// accounts that forward most of what they receive sit near 1; accounts that
// send far more than they receive grow without bound.
func RiskRatio(totalOutgoing, totalIncoming decimal.Decimal) float64 {
	f, _ := totalOutgoing.Add(one).Div(totalIncoming.Add(one)).Float64()
	return f
}

// Store persists account records.
type Store interface {
	// Apply creates the record if absent, folds d into it, and returns the
	// updated record. It must be atomic per nodeID.
	Apply(ctx context.Context, nodeID int64, d Delta) (*Record, error)
	Get(ctx context.Context, nodeID int64) (*Record, error)
	// List returns up to limit records ordered by descending risk ratio.
	List(ctx context.Context, limit int) ([]*Record, error)
}

// ParseNodeID parses an account identifier. Account ids are non-negative
// base-10 integers.
func ParseNodeID(field, s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errs.Invalid(field, "account id is required")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errs.Invalid(field, "account id must be a base-10 integer")
	}
	if id < 0 {
		return 0, errs.Invalid(field, "account id must be non-negative")
	}
	return id, nil
}

// ParseAmount parses a non-negative decimal amount below 1e20 with at most
// MaxAmountScale significant fractional digits.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errs.Invalid("amount", "amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errs.Invalid("amount", "amount must be a decimal number")
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return normalizeAmount(d), nil
}

// AmountFromFloat converts a float amount, rejecting NaN and infinities.
func AmountFromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, errs.Invalid("amount", "amount must be finite")
	}
	d := decimal.NewFromFloat(f)
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return normalizeAmount(d), nil
}

// ValidateAmount checks sign, magnitude and scale. Magnitude is judged from
// the coefficient's digit count and the exponent, so exponent-form input
// such as 1e2000000 is rejected without being expanded.
func ValidateAmount(d decimal.Decimal) error {
	if d.IsNegative() {
		return errs.Invalid("amount", "amount must be non-negative")
	}
	digits := d.NumDigits()
	if digits+int(d.Exponent()) > MaxAmountIntegerDigits {
		return errs.Invalid("amount", "amount must be less than 1e"+strconv.Itoa(MaxAmountIntegerDigits))
	}
	if d.IsZero() {
		return nil
	}
	scale := -int(d.Exponent())
	if scale <= MaxAmountScale {
		return nil
	}
	// Trailing zeros past the limit are fine; the coefficient cannot have
	// more of them than it has digits.
	if scale-(digits-1) > MaxAmountScale || !d.Truncate(MaxAmountScale).Equal(d) {
		return errs.Invalid("amount", "amount has too many fractional digits")
	}
	return nil
}

// normalizeAmount drops insignificant fractional zeros past MaxAmountScale
// from a validated amount.
func normalizeAmount(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.Zero
	}
	return d.Truncate(MaxAmountScale)
}
