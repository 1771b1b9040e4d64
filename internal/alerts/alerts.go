// Package alerts delivers fraud alerts raised by the transfer pipeline.
//
// Alerts are enqueued without blocking onto a bounded in-memory queue and
// delivered by background workers. When the queue is full the oldest alert
// is dropped to make room. Failed deliveries are retried with backoff and,
// if still failing, put back at the tail, so delivery is at-least-once for
// as long as an alert is not pushed out by backpressure. Retries go only to
// the destinations that have not yet accepted the alert.
package alerts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mulehunter/mulehunter/internal/retry"
	"github.com/mulehunter/mulehunter/internal/scorer"
)

// Alert is published for every transfer whose verdict is suspicious.
type Alert struct {
	ID            string         `json:"id"`
	TransferID    string         `json:"transferId"`
	SourceAccount int64          `json:"sourceAccount"`
	TargetAccount int64          `json:"targetAccount"`
	Amount        string         `json:"amount"`
	RiskScore     float64        `json:"riskScore"`
	Verdict       scorer.Verdict `json:"verdict"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Sink is a destination for alerts. Publish may be called concurrently and
// more than once for the same alert.
type Sink interface {
	Publish(ctx context.Context, a *Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a *Alert) error

func (f SinkFunc) Publish(ctx context.Context, a *Alert) error { return f(ctx, a) }

// PartialError is returned by a sink that reached only some of its
// destinations. Remaining publishes to the destinations that failed
// transiently and skips the rest, so a retry neither repeats a delivery that
// succeeded nor revives one that failed permanently.
type PartialError struct {
	Remaining Sink
	Err       error // transient failures behind Remaining
	Dropped   error // permanent failures; not retried and not unwrapped
}

func (e *PartialError) Error() string {
	if e.Dropped == nil {
		return e.Err.Error()
	}
	return e.Err.Error() + "; dropped: " + e.Dropped.Error()
}

func (e *PartialError) Unwrap() error { return e.Err }

// Fanout publishes each alert to every sink. Each sink's outcome is kept
// separate: when any sink still needs the alert, Publish returns a
// PartialError narrowed to those sinks, and it is permanent only when
// every failure was.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, a *Alert) error {
	var (
		retryable       Fanout
		failed, dropped []error
	)
	for _, s := range f {
		err := s.Publish(ctx, a)
		if err == nil {
			continue
		}
		var pe *PartialError
		switch {
		case errors.As(err, &pe) && pe.Remaining != nil:
			retryable = append(retryable, pe.Remaining)
			failed = append(failed, pe.Err)
			if pe.Dropped != nil {
				dropped = append(dropped, pe.Dropped)
			}
		case retry.IsPermanent(err):
			dropped = append(dropped, err)
		default:
			retryable = append(retryable, s)
			failed = append(failed, err)
		}
	}
	switch {
	case len(retryable) > 0:
		return &PartialError{Remaining: retryable, Err: errors.Join(failed...), Dropped: errors.Join(dropped...)}
	case len(dropped) > 0:
		return retry.Permanent(errors.Join(dropped...))
	}
	return nil
}

// LogSink writes alerts to a structured logger. It is always part of the
// fanout so an alert leaves a trace even when no transport is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(_ context.Context, a *Alert) error {
	s.Logger.Warn("fraud alert",
		"alert_id", a.ID,
		"transfer_id", a.TransferID,
		"source_account", a.SourceAccount,
		"target_account", a.TargetAccount,
		"amount", a.Amount,
		"risk_score", a.RiskScore,
		"verdict", string(a.Verdict),
	)
	return nil
}
