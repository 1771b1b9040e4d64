// Package scorer is the client for the external fraud-scoring model.
//
// The model is a collaborator the transfer pipeline consults but never
// depends on: every error returned here is an ExternalError, and callers
// fall back to Neutral when one occurs.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Verdict is the model's classification of a transfer's source account.
type Verdict string

const (
	Allow  Verdict = "ALLOW"
	Review Verdict = "REVIEW"
	Block  Verdict = "BLOCK"

	// Unscored marks an outcome that carries the fail-open default rather
	// than a model decision.
	Unscored Verdict = "UNSCORED"
)

// Suspicious is the verdict-to-flag mapping used to decide whether a
// transfer is suspected fraud and must raise an alert.
func (v Verdict) Suspicious() bool {
	switch v {
	case Review, Block:
		return true
	default:
		return false
	}
}

// ParseVerdict accepts the model's verdict strings case-insensitively.
func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(strings.ToUpper(strings.TrimSpace(s))); v {
	case Allow, Review, Block:
		return v, nil
	default:
		return "", fmt.Errorf("unknown verdict %q", s)
	}
}

// Source tells a confident model score from a degraded default.
type Source string

const (
	SourceModel    Source = "model"
	SourceFallback Source = "fallback"
)

// Response is the model's answer for one account.
type Response struct {
	RiskScore float64 `json:"risk_score"`
	Verdict   Verdict `json:"verdict"`
}

// Neutral is the fail-open default used when the model cannot be consulted.
func Neutral() Response {
	return Response{RiskScore: 0, Verdict: Unscored}
}

var (
	// ErrDisabled is returned by Disabled.
	ErrDisabled = errors.New("fraud scorer not configured")

	// ErrCircuitOpen is returned while the scorer's circuit breaker is open.
	ErrCircuitOpen = errors.New("fraud scorer circuit open")
)

// Scorer classifies the source account of a transfer.
type Scorer interface {
	Check(ctx context.Context, nodeID int64, timeout time.Duration) (*Response, error)
}

// Disabled is used when no scorer endpoint is configured. Every check fails
// open.
type Disabled struct{}

func (Disabled) Check(context.Context, int64, time.Duration) (*Response, error) {
	return nil, ErrDisabled
}
