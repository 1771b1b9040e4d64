package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mulehunter/mulehunter/internal/metrics"
	"github.com/mulehunter/mulehunter/internal/retry"
)

const (
	DefaultCapacity = 1024
	DefaultWorkers  = 2

	defaultAttempts  = 5
	defaultBaseDelay = 100 * time.Millisecond
)

// Queue is a bounded drop-oldest alert queue drained by background workers.
type Queue struct {
	sink      Sink
	logger    *slog.Logger
	workers   int
	attempts  int
	baseDelay time.Duration

	mu     sync.Mutex
	buf    []pending // ring buffer
	head   int
	size   int
	closed bool

	ready  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pending is a queued alert and the sink still owed it. A nil sink means
// the queue's own sink.
type pending struct {
	alert *Alert
	sink  Sink
}

// NewQueue creates a queue holding at most capacity alerts.
func NewQueue(sink Sink, capacity int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		sink:      sink,
		logger:    logger,
		workers:   DefaultWorkers,
		attempts:  defaultAttempts,
		baseDelay: defaultBaseDelay,
		buf:       make([]pending, capacity),
		ready:     make(chan struct{}, 1),
	}
}

// WithWorkers sets the number of delivery workers.
func (q *Queue) WithWorkers(n int) *Queue {
	if n > 0 {
		q.workers = n
	}
	return q
}

// WithRetry sets the per-delivery retry budget.
func (q *Queue) WithRetry(attempts int, baseDelay time.Duration) *Queue {
	q.attempts = attempts
	q.baseDelay = baseDelay
	return q
}

// Enqueue adds a without blocking. If the queue is full the oldest pending
// alert is dropped. It returns false only when the queue has been closed.
func (q *Queue) Enqueue(a *Alert) bool {
	if !q.push(pending{alert: a}, false) {
		return false
	}
	metrics.AlertsEnqueuedTotal.Inc()
	return true
}

func (q *Queue) push(p pending, requeue bool) bool {
	q.mu.Lock()
	if q.closed && !requeue {
		q.mu.Unlock()
		return false
	}

	var dropped *Alert
	if q.size == len(q.buf) {
		dropped = q.buf[q.head].alert
		q.buf[q.head] = pending{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
	}
	q.buf[(q.head+q.size)%len(q.buf)] = p
	q.size++
	depth := q.size
	q.mu.Unlock()

	metrics.AlertQueueDepth.Set(float64(depth))
	if dropped != nil {
		metrics.AlertsDroppedTotal.Inc()
		q.logger.Warn("alert queue full, dropped oldest alert",
			"dropped_alert_id", dropped.ID, "dropped_transfer_id", dropped.TransferID)
	}
	q.signal()
	return true
}

func (q *Queue) pop() (pending, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return pending{}, false
	}
	p := q.buf[q.head]
	q.buf[q.head] = pending{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	metrics.AlertQueueDepth.Set(float64(q.size))
	if q.size > 0 {
		q.signal()
	}
	return p, true
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len returns the number of alerts waiting for delivery.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Start launches the delivery workers. They run until ctx is cancelled or
// Close completes.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
}

// Close stops accepting new alerts and waits for the workers to drain the
// queue. If ctx expires first the workers are cancelled and the alerts still
// pending are reported as lost.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if q.cancel != nil {
			q.cancel()
		}
		<-done
		if n := q.Len(); n > 0 {
			return fmt.Errorf("alert queue closed with %d undelivered alerts: %w", n, ctx.Err())
		}
		return nil
	}
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		p, ok := q.pop()
		if !ok {
			if q.isClosed() {
				// Wake any sibling still waiting so it can observe the close too.
				q.signal()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-q.ready:
				continue
			}
		}
		q.deliver(ctx, p)
		if ctx.Err() != nil {
			return
		}
	}
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) deliver(ctx context.Context, p pending) {
	a := p.alert
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic delivering alert", "alert_id", a.ID, "panic", fmt.Sprint(r))
		}
	}()

	target := p.sink
	if target == nil {
		target = q.sink
	}
	var permanent bool
	err := retry.Do(ctx, q.attempts, q.baseDelay, func() error {
		err := target.Publish(ctx, a)
		var pe *PartialError
		if errors.As(err, &pe) && pe.Remaining != nil {
			if pe.Dropped != nil {
				q.logger.Error("alert dropped for some destinations after permanent failure",
					"alert_id", a.ID, "transfer_id", a.TransferID, "error", pe.Dropped)
			}
			target = pe.Remaining
		}
		permanent = retry.IsPermanent(err)
		return err
	})
	if err == nil {
		metrics.AlertsDeliveredTotal.Inc()
		return
	}

	metrics.AlertDeliveryFailuresTotal.Inc()
	switch {
	case permanent:
		q.logger.Error("alert dropped after permanent delivery failure",
			"alert_id", a.ID, "transfer_id", a.TransferID, "error", err)
	case ctx.Err() != nil:
		// Shutting down: keep it queued so Close reports it as undelivered.
		q.push(pending{alert: a, sink: target}, true)
	default:
		q.logger.Warn("alert delivery failed, requeued",
			"alert_id", a.ID, "transfer_id", a.TransferID, "attempts", q.attempts, "error", err)
		q.push(pending{alert: a, sink: target}, true)
	}
}
