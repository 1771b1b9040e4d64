package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mulehunter/mulehunter/internal/accountrisk"
	"github.com/mulehunter/mulehunter/internal/alerts"
	"github.com/mulehunter/mulehunter/internal/errs"
	"github.com/mulehunter/mulehunter/internal/fingerprint"
	"github.com/mulehunter/mulehunter/internal/idempotency"
	"github.com/mulehunter/mulehunter/internal/scorer"
	"github.com/mulehunter/mulehunter/internal/transfers"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scorerFunc func(ctx context.Context, nodeID int64) (*scorer.Response, error)

func (f scorerFunc) Check(ctx context.Context, nodeID int64, timeout time.Duration) (*scorer.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return f(ctx, nodeID)
}

func verdict(v scorer.Verdict, score float64) scorer.Scorer {
	return scorerFunc(func(context.Context, int64) (*scorer.Response, error) {
		return &scorer.Response{RiskScore: score, Verdict: v}, nil
	})
}

type flakyLedger struct {
	*accountrisk.Ledger
	failIncoming bool
}

func (f *flakyLedger) ApplyIncoming(ctx context.Context, nodeID int64, amount decimal.Decimal) (*accountrisk.Record, error) {
	if f.failIncoming {
		return nil, errs.Storage("ledger apply", errors.New("connection refused"))
	}
	return f.Ledger.ApplyIncoming(ctx, nodeID, amount)
}

type failingStore struct {
	transfers.Store
}

func (failingStore) Append(context.Context, *transfers.Outcome) error {
	return errors.New("disk full")
}

type recordingQueue struct {
	mu     sync.Mutex
	alerts []*alerts.Alert
}

func (q *recordingQueue) Enqueue(a *alerts.Alert) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.alerts = append(q.alerts, a)
	return true
}

type recordingEvents struct {
	mu       sync.Mutex
	outcomes []*transfers.Outcome
}

func (e *recordingEvents) PublishTransfer(o *transfers.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outcomes = append(e.outcomes, o)
}

type harness struct {
	orch    *Orchestrator
	ledger  *flakyLedger
	store   *transfers.MemoryStore
	idem    *idempotency.MemoryStore
	tracker *fingerprint.Tracker
	queue   *recordingQueue
	events  *recordingEvents
}

func newHarness(t *testing.T, sc scorer.Scorer) *harness {
	t.Helper()
	h := &harness{
		ledger:  &flakyLedger{Ledger: accountrisk.New(accountrisk.NewMemoryStore(), testLogger())},
		store:   transfers.NewMemoryStore(),
		idem:    idempotency.NewMemoryStore(time.Hour),
		tracker: fingerprint.NewTracker(fingerprint.DefaultWindow, testLogger()),
		queue:   &recordingQueue{},
		events:  &recordingEvents{},
	}
	h.orch = New(sc, h.ledger, h.tracker, h.store, testLogger()).
		WithIdempotency(h.idem).
		WithAlerts(h.queue).
		WithEvents(h.events)
	return h
}

func (h *harness) record(t *testing.T, nodeID int64) *accountrisk.Record {
	t.Helper()
	rec, err := h.ledger.Get(context.Background(), nodeID)
	require.NoError(t, err)
	return rec
}

func TestProcess_EndToEnd(t *testing.T) {
	h := newHarness(t, verdict(scorer.Allow, 0.1))

	out, err := h.orch.Process(context.Background(), Request{SourceAccount: "1", TargetAccount: "2", Amount: "100"})
	require.NoError(t, err)

	assert.NotEmpty(t, out.ID)
	assert.Equal(t, scorer.Allow, out.Verdict)
	assert.Equal(t, scorer.SourceModel, out.ScoreSource)
	assert.False(t, out.SuspectedFraud)
	assert.True(t, out.LedgerConsistent)
	assert.True(t, out.OutgoingApplied)
	assert.True(t, out.IncomingApplied)

	src := h.record(t, 1)
	assert.Equal(t, int64(1), src.OutDegree)
	assert.True(t, src.TotalOutgoing.Equal(decimal.NewFromInt(100)))
	assert.True(t, src.Balance.Equal(decimal.NewFromInt(-100)))
	assert.InDelta(t, 101.0, src.RiskRatio, 1e-9)

	dst := h.record(t, 2)
	assert.Equal(t, int64(1), dst.InDegree)
	assert.True(t, dst.TotalIncoming.Equal(decimal.NewFromInt(100)))
	assert.True(t, dst.Balance.Equal(decimal.NewFromInt(100)))
	assert.InDelta(t, 1.0/101.0, dst.RiskRatio, 1e-9)

	stored, err := h.store.Get(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, out.ID, stored.ID)

	assert.Empty(t, h.queue.alerts)
	require.Len(t, h.events.outcomes, 1)
}

func TestProcess_VerdictMapping(t *testing.T) {
	tests := []struct {
		verdict scorer.Verdict
		flagged bool
	}{
		{scorer.Allow, false},
		{scorer.Review, true},
		{scorer.Block, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.verdict), func(t *testing.T) {
			h := newHarness(t, verdict(tt.verdict, 0.87))

			out, err := h.orch.Process(context.Background(), Request{SourceAccount: "10", TargetAccount: "20", Amount: "5"})
			require.NoError(t, err)
			assert.Equal(t, tt.flagged, out.SuspectedFraud)

			if !tt.flagged {
				assert.Empty(t, h.queue.alerts)
				return
			}
			require.Len(t, h.queue.alerts, 1)
			a := h.queue.alerts[0]
			assert.Equal(t, int64(10), a.SourceAccount)
			assert.Equal(t, 0.87, a.RiskScore)
			assert.Equal(t, tt.verdict, a.Verdict)
			assert.Equal(t, out.ID, a.TransferID)
			assert.False(t, a.Timestamp.IsZero())
		})
	}
}

func TestProcess_ScorerTimeoutFailsOpen(t *testing.T) {
	slow := scorerFunc(func(ctx context.Context, _ int64) (*scorer.Response, error) {
		<-ctx.Done()
		return nil, errs.External("fraud_scorer", ctx.Err())
	})
	h := newHarness(t, slow)
	h.orch.WithScorerTimeout(20 * time.Millisecond)

	out, err := h.orch.Process(context.Background(), Request{SourceAccount: "1", TargetAccount: "2", Amount: "100"})
	require.NoError(t, err)

	assert.Equal(t, scorer.Unscored, out.Verdict)
	assert.Equal(t, 0.0, out.RiskScore)
	assert.Equal(t, scorer.SourceFallback, out.ScoreSource)
	assert.False(t, out.SuspectedFraud)

	_, err = h.store.Get(context.Background(), out.ID)
	assert.NoError(t, err, "degraded transfer must still be recorded")
}

func TestProcess_DisabledScorerFailsOpen(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.orch.Process(context.Background(), Request{SourceAccount: "1", TargetAccount: "2", Amount: "1"})
	require.NoError(t, err)
	assert.Equal(t, scorer.SourceFallback, out.ScoreSource)
	assert.Equal(t, scorer.Unscored, out.Verdict)
}

func TestProcess_ValidationHasNoSideEffects(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"missing source", Request{TargetAccount: "2", Amount: "1"}, "sourceAccount"},
		{"non numeric target", Request{SourceAccount: "1", TargetAccount: "acct-2", Amount: "1"}, "targetAccount"},
		{"negative account", Request{SourceAccount: "-1", TargetAccount: "2", Amount: "1"}, "sourceAccount"},
		{"negative amount", Request{SourceAccount: "1", TargetAccount: "2", Amount: "-5"}, "amount"},
		{"garbage amount", Request{SourceAccount: "1", TargetAccount: "2", Amount: "NaN"}, "amount"},
		{"exponent amount", Request{SourceAccount: "1", TargetAccount: "2", Amount: "1e2000000", IdempotencyKey: "k1"}, "amount"},
		{"amount past storage range", Request{SourceAccount: "1", TargetAccount: "2", Amount: "100000000000000000000", IdempotencyKey: "k2"}, "amount"},
		{"bad key", Request{SourceAccount: "1", TargetAccount: "2", Amount: "1", IdempotencyKey: " k"}, "idempotencyKey"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := newHarness(t, scorerFunc(func(context.Context, int64) (*scorer.Response, error) {
				called = true
				return &scorer.Response{Verdict: scorer.Block}, nil
			}))

			_, err := h.orch.Process(context.Background(), tt.req)
			var ve *errs.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)

			assert.False(t, called, "scorer must not be consulted")
			all, _ := h.store.List(context.Background(), transfers.Filter{})
			assert.Empty(t, all)
			_, err = h.ledger.Get(context.Background(), 1)
			assert.ErrorIs(t, err, accountrisk.ErrNotFound)
			assert.Zero(t, h.idem.Len(), "no idempotency key may be reserved")
		})
	}
}

func TestProcess_LedgerFailureRecordsInconsistentOutcome(t *testing.T) {
	h := newHarness(t, verdict(scorer.Allow, 0))
	h.ledger.failIncoming = true

	out, err := h.orch.Process(context.Background(), Request{SourceAccount: "1", TargetAccount: "2", Amount: "100"})
	require.NoError(t, err)

	assert.True(t, out.OutgoingApplied)
	assert.False(t, out.IncomingApplied)
	assert.False(t, out.LedgerConsistent)

	inconsistent, err := h.store.List(context.Background(), transfers.Filter{Inconsistent: true})
	require.NoError(t, err)
	require.Len(t, inconsistent, 1)
	assert.Equal(t, out.ID, inconsistent[0].ID)
}

func TestProcess_PersistenceFailure(t *testing.T) {
	h := newHarness(t, verdict(scorer.Block, 0.99))
	h.orch.store = failingStore{Store: h.store}

	_, err := h.orch.Process(context.Background(), Request{SourceAccount: "1", TargetAccount: "2", Amount: "100"})
	require.Error(t, err)
	assert.True(t, errs.IsStorage(err))
	assert.Empty(t, h.queue.alerts, "unrecorded transfers raise no alert")
	assert.Empty(t, h.events.outcomes)
}

func TestProcess_IdempotentReplayAppliesLedgerOnce(t *testing.T) {
	h := newHarness(t, verdict(scorer.Review, 0.6))
	req := Request{SourceAccount: "1", TargetAccount: "2", Amount: "100", IdempotencyKey: "retry-me"}

	first, err := h.orch.Process(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := h.orch.Process(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, int64(1), h.record(t, 1).OutDegree)
	assert.Equal(t, int64(1), h.record(t, 2).InDegree)
	assert.Len(t, h.queue.alerts, 1, "replays do not alert again")
}

func TestProcess_IdempotencyKeyReusedWithDifferentPayload(t *testing.T) {
	h := newHarness(t, verdict(scorer.Allow, 0))

	_, err := h.orch.Process(context.Background(), Request{SourceAccount: "1", TargetAccount: "2", Amount: "100", IdempotencyKey: "k"})
	require.NoError(t, err)

	_, err = h.orch.Process(context.Background(), Request{SourceAccount: "1", TargetAccount: "2", Amount: "200", IdempotencyKey: "k"})
	assert.True(t, errs.IsValidation(err))
}

func TestProcess_IdempotencyKeyInProgress(t *testing.T) {
	h := newHarness(t, verdict(scorer.Allow, 0))
	req := Request{SourceAccount: "1", TargetAccount: "2", Amount: "100", IdempotencyKey: "busy"}

	p, err := parse(req)
	require.NoError(t, err)
	_, _, err = h.idem.Begin(context.Background(), "busy", "tx_other", p.hash)
	require.NoError(t, err)

	_, err = h.orch.Process(context.Background(), req)
	assert.ErrorIs(t, err, errs.ErrInProgress)
	_, err = h.ledger.Get(context.Background(), 1)
	assert.ErrorIs(t, err, accountrisk.ErrNotFound)
}

func TestProcess_ResumesAfterLedgerStage(t *testing.T) {
	h := newHarness(t, verdict(scorer.Allow, 0))
	req := Request{SourceAccount: "1", TargetAccount: "2", Amount: "100", IdempotencyKey: "half-done"}
	ctx := context.Background()

	p, err := parse(req)
	require.NoError(t, err)
	_, _, err = h.idem.Begin(ctx, "half-done", "tx_resumed", p.hash)
	require.NoError(t, err)
	require.NoError(t, h.idem.Advance(ctx, "half-done", idempotency.StageLedgerApplied, idempotency.Legs{Outgoing: true}))

	out, err := h.orch.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "tx_resumed", out.ID)
	assert.True(t, out.OutgoingApplied)
	assert.False(t, out.IncomingApplied)
	assert.False(t, out.LedgerConsistent)

	// The legs ran in the earlier attempt; they must not run again.
	_, err = h.ledger.Get(ctx, 1)
	assert.ErrorIs(t, err, accountrisk.ErrNotFound)

	e, created, err := h.idem.Begin(ctx, "half-done", "tx_x", p.hash)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, idempotency.StageCompleted, e.Stage)
}

func TestProcess_FingerprintSignal(t *testing.T) {
	h := newHarness(t, verdict(scorer.Allow, 0))
	ctx := context.Background()

	out, err := h.orch.Process(ctx, Request{SourceAccount: "1", TargetAccount: "2", Amount: "1"})
	require.NoError(t, err)
	require.NotNil(t, out.Fingerprint)
	assert.False(t, out.Fingerprint.Detected)
	assert.Equal(t, fingerprint.Unknown.Risk, out.Fingerprint.Risk)
	assert.Equal(t, 0, h.tracker.Len())

	for i := 0; i < 2; i++ {
		out, err = h.orch.Process(ctx, Request{SourceAccount: "1", TargetAccount: "2", Amount: "1", Fingerprint: "771,4865-4866,0-23"})
		require.NoError(t, err)
	}
	assert.True(t, out.Fingerprint.Detected)
	assert.Equal(t, 2, out.Fingerprint.Velocity)
	assert.Equal(t, 1, out.Fingerprint.Fanout)
	assert.Equal(t, 0.2, out.Fingerprint.Risk)
}

func TestProcess_SelfTransferUpdatesBothLegs(t *testing.T) {
	h := newHarness(t, verdict(scorer.Allow, 0))

	_, err := h.orch.Process(context.Background(), Request{SourceAccount: "7", TargetAccount: "7", Amount: "10"})
	require.NoError(t, err)

	rec := h.record(t, 7)
	assert.Equal(t, int64(1), rec.InDegree)
	assert.Equal(t, int64(1), rec.OutDegree)
	assert.True(t, rec.Balance.IsZero())
	assert.InDelta(t, 1.0, rec.RiskRatio, 1e-9)
}

func TestProcess_ConcurrentTransfersOnSharedAccount(t *testing.T) {
	h := newHarness(t, verdict(scorer.Allow, 0))

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Process(context.Background(), Request{SourceAccount: "1", TargetAccount: "2", Amount: "2.5"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	src := h.record(t, 1)
	assert.Equal(t, int64(n), src.OutDegree)
	assert.True(t, src.TotalOutgoing.Equal(decimal.RequireFromString("100")))
}

func TestFallbackReason(t *testing.T) {
	assert.Equal(t, "disabled", fallbackReason(scorer.ErrDisabled))
	assert.Equal(t, "circuit_open", fallbackReason(errs.External("fraud_scorer", scorer.ErrCircuitOpen)))
	assert.Equal(t, "timeout", fallbackReason(errs.External("fraud_scorer", context.DeadlineExceeded)))
	assert.Equal(t, "error", fallbackReason(errors.New("boom")))
}
