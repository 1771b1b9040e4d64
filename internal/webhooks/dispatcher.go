package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mulehunter/mulehunter/internal/alerts"
	"github.com/mulehunter/mulehunter/internal/circuitbreaker"
	"github.com/mulehunter/mulehunter/internal/metrics"
	"github.com/mulehunter/mulehunter/internal/retry"
	"github.com/mulehunter/mulehunter/internal/security"
)

// Signature headers set on every delivery.
const (
	HeaderEvent     = "X-Mulehunter-Event"
	HeaderDelivery  = "X-Mulehunter-Delivery"
	HeaderTimestamp = "X-Mulehunter-Timestamp"
	HeaderSignature = "X-Mulehunter-Signature"
)

// Dispatcher sends alerts to subscribed endpoints. It implements alerts.Sink.
type Dispatcher struct {
	store        Store
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	logger       *slog.Logger
	urlValidator func(string) error
	now          func() time.Time
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
			// Redirects could point a validated URL at an internal address.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		breaker:      circuitbreaker.New(5, time.Minute).Named("webhooks"),
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
		now:          time.Now,
	}
}

// Publish delivers the alert to every active subscription that wants its
// verdict. Endpoints are called concurrently and subscriptions whose circuit
// is open are skipped. When some endpoints fail transiently Publish returns
// an alerts.PartialError whose retry goes only to those endpoints; it is
// permanent only when every failure was.
func (d *Dispatcher) Publish(ctx context.Context, a *alerts.Alert) error {
	eventType, ok := EventForVerdict(a.Verdict)
	if !ok {
		return nil
	}
	subs, err := d.store.ListByEvent(ctx, eventType)
	if err != nil {
		return fmt.Errorf("failed to list webhook subscribers: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	return d.publishTo(ctx, a, eventType, subs)
}

// pendingDeliveries is the part of a publish still owed to some
// subscriptions.
type pendingDeliveries struct {
	d         *Dispatcher
	eventType EventType
	subs      []*Subscription
}

func (p *pendingDeliveries) Publish(ctx context.Context, a *alerts.Alert) error {
	return p.d.publishTo(ctx, a, p.eventType, p.subs)
}

func (d *Dispatcher) publishTo(ctx context.Context, a *alerts.Alert, eventType EventType, subs []*Subscription) error {
	payload, err := json.Marshal(&Event{
		ID:        a.ID,
		Type:      eventType,
		Timestamp: a.Timestamp,
		Data:      a,
	})
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal webhook event: %w", err))
	}

	var (
		wg              sync.WaitGroup
		mu              sync.Mutex
		retryable       []*Subscription
		failed, dropped []error
	)
	for _, sub := range subs {
		if !d.breaker.Allow(sub.ID) {
			metrics.WebhookDeliveriesTotal.WithLabelValues("circuit_open").Inc()
			d.logger.Warn("webhook circuit open, skipping delivery",
				"subscription_id", sub.ID, "alert_id", a.ID)
			continue
		}
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			err := d.deliver(ctx, sub, eventType, a.ID, payload)
			if err == nil {
				return
			}
			err = fmt.Errorf("webhook %s: %w", sub.ID, err)
			mu.Lock()
			defer mu.Unlock()
			if retry.IsPermanent(err) {
				dropped = append(dropped, err)
				return
			}
			retryable = append(retryable, sub)
			failed = append(failed, err)
		}(sub)
	}
	wg.Wait()

	switch {
	case len(retryable) > 0:
		return &alerts.PartialError{
			Remaining: &pendingDeliveries{d: d, eventType: eventType, subs: retryable},
			Err:       errors.Join(failed...),
			Dropped:   errors.Join(dropped...),
		}
	case len(dropped) > 0:
		return retry.Permanent(errors.Join(dropped...))
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, eventType EventType, deliveryID string, payload []byte) error {
	err := d.send(ctx, sub, eventType, deliveryID, payload)
	at := d.now()
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		d.breaker.RecordFailure(sub.ID)
		d.logger.Warn("webhook delivery failed",
			"subscription_id", sub.ID, "alert_id", deliveryID, "error", err)
		d.record(ctx, sub.ID, at, err.Error())
		return err
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	d.breaker.RecordSuccess(sub.ID)
	d.record(ctx, sub.ID, at, "")
	return nil
}

func (d *Dispatcher) record(ctx context.Context, id string, at time.Time, deliveryErr string) {
	if err := d.store.RecordDelivery(ctx, id, at, deliveryErr); err != nil && !errors.Is(err, ErrNotFound) {
		d.logger.Warn("failed to record webhook delivery", "subscription_id", id, "error", err)
	}
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, eventType EventType, deliveryID string, payload []byte) error {
	// Checked on every send: DNS for a registered host can change after
	// registration.
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(fmt.Errorf("endpoint rejected: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(eventType))
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(d.now().Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		// The endpoint rejected the payload; resending it will not help.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret, as sent in the
// X-Mulehunter-Signature header.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature is a valid Sign of payload under secret.
func Verify(payload []byte, secret, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), expected)
}
