// Package orchestrator processes transfers end to end: it scores the source
// account with the external model, applies both ledger legs, folds in the
// client fingerprint signal, records the outcome and raises an alert when
// the verdict is suspicious.
//
// The pipeline favors availability. A scorer failure degrades to a neutral
// score and a failed ledger leg is recorded on the outcome for
// reconciliation; only malformed input and an unavailable transfer log fail
// a transfer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mulehunter/mulehunter/internal/accountrisk"
	"github.com/mulehunter/mulehunter/internal/alerts"
	"github.com/mulehunter/mulehunter/internal/errs"
	"github.com/mulehunter/mulehunter/internal/fingerprint"
	"github.com/mulehunter/mulehunter/internal/idempotency"
	"github.com/mulehunter/mulehunter/internal/idgen"
	"github.com/mulehunter/mulehunter/internal/metrics"
	"github.com/mulehunter/mulehunter/internal/scorer"
	"github.com/mulehunter/mulehunter/internal/traces"
	"github.com/mulehunter/mulehunter/internal/transfers"
)

// DefaultScorerTimeout bounds the external scorer call.
const DefaultScorerTimeout = 2 * time.Second

// Request is one transfer submission. Account ids and amount are the raw
// client values; Process validates them.
type Request struct {
	SourceAccount  string
	TargetAccount  string
	Amount         string
	Fingerprint    string
	IdempotencyKey string
}

// LedgerService applies the two legs of a transfer.
type LedgerService interface {
	ApplyOutgoing(ctx context.Context, nodeID int64, amount decimal.Decimal) (*accountrisk.Record, error)
	ApplyIncoming(ctx context.Context, nodeID int64, amount decimal.Decimal) (*accountrisk.Record, error)
}

// FingerprintTracker yields the client fingerprint signal.
type FingerprintTracker interface {
	Evaluate(fp, accountID string) fingerprint.Signal
	Peek(fp string) (fingerprint.Signal, bool)
}

// AlertQueue accepts alerts without blocking.
type AlertQueue interface {
	Enqueue(a *alerts.Alert) bool
}

// EventPublisher is notified of every recorded transfer.
type EventPublisher interface {
	PublishTransfer(o *transfers.Outcome)
}

// Orchestrator sequences the transfer pipeline.
type Orchestrator struct {
	scorer        scorer.Scorer
	ledger        LedgerService
	tracker       FingerprintTracker
	store         transfers.Store
	idem          idempotency.Store
	alerts        AlertQueue
	events        EventPublisher
	scorerTimeout time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// New creates an orchestrator. Idempotency, alerting and event publishing
// are optional and attached with the With* methods.
func New(sc scorer.Scorer, ledger LedgerService, tracker FingerprintTracker, store transfers.Store, logger *slog.Logger) *Orchestrator {
	if sc == nil {
		sc = scorer.Disabled{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		scorer:        sc,
		ledger:        ledger,
		tracker:       tracker,
		store:         store,
		scorerTimeout: DefaultScorerTimeout,
		now:           time.Now,
		logger:        logger,
	}
}

// WithIdempotency enables Idempotency-Key handling.
func (o *Orchestrator) WithIdempotency(s idempotency.Store) *Orchestrator {
	o.idem = s
	return o
}

// WithAlerts sets the queue suspicious transfers are reported to.
func (o *Orchestrator) WithAlerts(q AlertQueue) *Orchestrator {
	o.alerts = q
	return o
}

// WithEvents sets the publisher notified of recorded transfers.
func (o *Orchestrator) WithEvents(p EventPublisher) *Orchestrator {
	o.events = p
	return o
}

// WithScorerTimeout bounds each scorer call.
func (o *Orchestrator) WithScorerTimeout(d time.Duration) *Orchestrator {
	if d > 0 {
		o.scorerTimeout = d
	}
	return o
}

// WithClock replaces the time source used for CreatedAt and alert timestamps.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

type parsedRequest struct {
	source, target int64
	amount         decimal.Decimal
	fingerprint    string
	key            string
	hash           string
}

func parse(req Request) (*parsedRequest, error) {
	source, err := accountrisk.ParseNodeID("sourceAccount", req.SourceAccount)
	if err != nil {
		return nil, err
	}
	target, err := accountrisk.ParseNodeID("targetAccount", req.TargetAccount)
	if err != nil {
		return nil, err
	}
	amount, err := accountrisk.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" && !idempotency.ValidKey(req.IdempotencyKey) {
		return nil, errs.Invalid("idempotencyKey", fmt.Sprintf("key must be 1-%d characters without surrounding whitespace", idempotency.MaxKeyLength))
	}
	return &parsedRequest{
		source:      source,
		target:      target,
		amount:      amount,
		fingerprint: req.Fingerprint,
		key:         req.IdempotencyKey,
		hash: idempotency.HashRequest(
			strconv.FormatInt(source, 10), strconv.FormatInt(target, 10), amount.String()),
	}, nil
}

// resumePoint describes where a retried idempotent request picks up.
type resumePoint struct {
	transferID string
	legs       *idempotency.Legs // non-nil once the ledger legs have run
}

// Process runs one transfer through the pipeline. It returns a
// ValidationError for malformed input, ErrInProgress when the same
// idempotency key is still being processed, and a StorageError when the
// outcome cannot be recorded. Scorer and alerting failures never fail a
// transfer.
func (o *Orchestrator) Process(ctx context.Context, req Request) (out *transfers.Outcome, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "orchestrator.Process")
	defer func() {
		metrics.TransferDuration.Observe(time.Since(start).Seconds())
		metrics.TransfersTotal.WithLabelValues(resultLabel(out, err)).Inc()
		if err != nil {
			traces.Fail(span, err)
		}
		span.End()
	}()

	p, err := parse(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		traces.KeySourceAccount.Int64(p.source),
		traces.KeyTargetAccount.Int64(p.target),
		traces.KeyAmount.String(p.amount.String()),
	)

	// Past validation the transfer runs to completion even if the caller
	// goes away.
	ctx = context.WithoutCancel(ctx)

	resume := resumePoint{transferID: idgen.Sortable("tx_")}
	if p.key != "" && o.idem != nil {
		replay, rp, err := o.begin(ctx, p, resume.transferID)
		if err != nil || replay != nil {
			return replay, err
		}
		resume = rp
	}
	span.SetAttributes(traces.KeyTransferID.String(resume.transferID))

	score, source := o.score(ctx, p.source)
	span.SetAttributes(traces.KeyVerdict.String(string(score.Verdict)), traces.KeyScoreSource.String(string(source)))

	var legs idempotency.Legs
	if resume.legs != nil {
		legs = *resume.legs
	} else {
		legs = o.applyLegs(ctx, resume.transferID, p)
		if p.key != "" && o.idem != nil {
			if err := o.idem.Advance(ctx, p.key, idempotency.StageLedgerApplied, legs); err != nil {
				o.logger.Error("failed to record ledger stage for idempotency key",
					"transfer_id", resume.transferID, "error", err)
			}
		}
	}

	outcome := &transfers.Outcome{
		ID:               resume.transferID,
		IdempotencyKey:   p.key,
		SourceAccount:    p.source,
		TargetAccount:    p.target,
		Amount:           p.amount,
		RiskScore:        score.RiskScore,
		Verdict:          score.Verdict,
		ScoreSource:      source,
		SuspectedFraud:   score.Verdict.Suspicious(),
		Fingerprint:      o.fingerprintSignal(p, resume.legs != nil),
		OutgoingApplied:  legs.Outgoing,
		IncomingApplied:  legs.Incoming,
		LedgerConsistent: legs.Outgoing && legs.Incoming,
		CreatedAt:        o.now(),
	}

	if err := o.persist(ctx, outcome); err != nil {
		if errors.Is(err, transfers.ErrDuplicate) && resume.legs != nil {
			// A previous attempt recorded the outcome but could not mark
			// the key completed.
			return o.replay(ctx, p.key, resume.transferID)
		}
		o.logger.Error("failed to record transfer",
			"transfer_id", outcome.ID, "ledger_consistent", outcome.LedgerConsistent, "error", err)
		return nil, errs.Storage("record transfer", err)
	}

	if p.key != "" && o.idem != nil {
		if err := o.idem.Advance(ctx, p.key, idempotency.StageCompleted, legs); err != nil {
			o.logger.Warn("failed to complete idempotency key", "transfer_id", outcome.ID, "error", err)
		}
	}

	if outcome.SuspectedFraud {
		o.raiseAlert(outcome)
	}
	if o.events != nil {
		o.events.PublishTransfer(outcome)
	}
	return outcome, nil
}

// begin reserves the idempotency key. It returns a replayed outcome when
// the key already completed, or the point to resume from.
func (o *Orchestrator) begin(ctx context.Context, p *parsedRequest, transferID string) (*transfers.Outcome, resumePoint, error) {
	rp := resumePoint{transferID: transferID}
	entry, created, err := o.idem.Begin(ctx, p.key, rp.transferID, p.hash)
	if err != nil {
		return nil, rp, errs.Storage("idempotency begin", err)
	}
	if created {
		return nil, rp, nil
	}
	if entry.RequestHash != p.hash {
		return nil, rp, errs.Invalid("idempotencyKey", "key was already used for a different transfer")
	}

	switch entry.Stage {
	case idempotency.StageCompleted:
		out, err := o.replay(ctx, p.key, entry.TransferID)
		return out, rp, err
	case idempotency.StageLedgerApplied:
		legs := entry.Legs
		return nil, resumePoint{transferID: entry.TransferID, legs: &legs}, nil
	default:
		return nil, rp, fmt.Errorf("idempotency key %q: %w", p.key, errs.ErrInProgress)
	}
}

func (o *Orchestrator) replay(ctx context.Context, key, transferID string) (*transfers.Outcome, error) {
	out, err := o.store.Get(ctx, transferID)
	if err != nil {
		return nil, errs.Storage("replay transfer", err)
	}
	out.Replayed = true
	o.logger.Info("replayed transfer for idempotency key", "transfer_id", transferID, "key", key)
	return out, nil
}

// score consults the model, substituting the neutral response on any
// failure.
func (o *Orchestrator) score(ctx context.Context, source int64) (scorer.Response, scorer.Source) {
	ctx, span := traces.StartSpan(ctx, "orchestrator.score", traces.KeySourceAccount.Int64(source))
	defer span.End()

	resp, err := o.scorer.Check(ctx, source, o.scorerTimeout)
	if err == nil && resp != nil {
		return *resp, scorer.SourceModel
	}
	if err == nil {
		err = errors.New("empty scorer response")
	}

	reason := fallbackReason(err)
	metrics.ScorerFallbacksTotal.WithLabelValues(reason).Inc()
	if reason != "disabled" {
		o.logger.Warn("fraud scorer unavailable, using neutral score",
			"source_account", source, "reason", reason, "error", err)
	}
	traces.Fail(span, err)
	return scorer.Neutral(), scorer.SourceFallback
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, scorer.ErrDisabled):
		return "disabled"
	case errors.Is(err, scorer.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// applyLegs runs both ledger legs concurrently and reports which succeeded.
func (o *Orchestrator) applyLegs(ctx context.Context, transferID string, p *parsedRequest) idempotency.Legs {
	ctx, span := traces.StartSpan(ctx, "orchestrator.ledger", traces.KeyTransferID.String(transferID))
	defer span.End()

	var (
		legs    idempotency.Legs
		wg      sync.WaitGroup
		mu      sync.Mutex
		errList []error
	)
	leg := func(name string, apply func() error, applied *bool) {
		defer wg.Done()
		err := apply()
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errList = append(errList, fmt.Errorf("%s leg: %w", name, err))
			return
		}
		*applied = true
	}

	wg.Add(2)
	go leg("outgoing", func() error {
		_, err := o.ledger.ApplyOutgoing(ctx, p.source, p.amount)
		return err
	}, &legs.Outgoing)
	go leg("incoming", func() error {
		_, err := o.ledger.ApplyIncoming(ctx, p.target, p.amount)
		return err
	}, &legs.Incoming)
	wg.Wait()

	if err := errors.Join(errList...); err != nil {
		traces.Fail(span, err)
		o.logger.Warn("ledger update failed, transfer will be recorded as inconsistent",
			"transfer_id", transferID, "outgoing_applied", legs.Outgoing, "incoming_applied", legs.Incoming, "error", err)
	}
	return legs
}

// fingerprintSignal evaluates the client fingerprint. A resumed request was
// already observed once, so it reads the window instead of counting again.
func (o *Orchestrator) fingerprintSignal(p *parsedRequest, resumed bool) *transfers.FingerprintSignal {
	if o.tracker == nil {
		return nil
	}
	detected := p.fingerprint != ""

	var sig fingerprint.Signal
	if resumed && detected {
		var ok bool
		if sig, ok = o.tracker.Peek(p.fingerprint); !ok {
			sig = fingerprint.Signal{Risk: fingerprint.Score(0, 0)}
		}
	} else {
		sig = o.tracker.Evaluate(p.fingerprint, strconv.FormatInt(p.source, 10))
	}
	return &transfers.FingerprintSignal{
		Detected: detected,
		Risk:     sig.Risk,
		Velocity: sig.Velocity,
		Fanout:   sig.Fanout,
	}
}

func (o *Orchestrator) persist(ctx context.Context, outcome *transfers.Outcome) error {
	ctx, span := traces.StartSpan(ctx, "orchestrator.persist", traces.KeyTransferID.String(outcome.ID))
	defer span.End()

	if err := o.store.Append(ctx, outcome); err != nil {
		traces.Fail(span, err)
		return err
	}
	return nil
}

// raiseAlert hands the alert to the queue. Delivery happens in the
// background and never affects the transfer.
func (o *Orchestrator) raiseAlert(outcome *transfers.Outcome) {
	if o.alerts == nil {
		return
	}
	a := &alerts.Alert{
		ID:            idgen.Random("alert_"),
		TransferID:    outcome.ID,
		SourceAccount: outcome.SourceAccount,
		TargetAccount: outcome.TargetAccount,
		Amount:        outcome.Amount.String(),
		RiskScore:     outcome.RiskScore,
		Verdict:       outcome.Verdict,
		Timestamp:     o.now(),
	}
	if !o.alerts.Enqueue(a) {
		o.logger.Warn("alert queue closed, alert not raised",
			"transfer_id", outcome.ID, "source_account", outcome.SourceAccount, "verdict", string(outcome.Verdict))
	}
}

func resultLabel(out *transfers.Outcome, err error) string {
	switch {
	case err != nil && errs.IsValidation(err):
		return "rejected"
	case err != nil && errors.Is(err, errs.ErrInProgress):
		return "in_progress"
	case err != nil:
		return "failed"
	case out.Replayed:
		return "replayed"
	case !out.LedgerConsistent:
		return "inconsistent"
	case out.SuspectedFraud:
		return "flagged"
	default:
		return "clean"
	}
}
