// Package webhooks delivers fraud alerts to registered HTTP endpoints.
//
// Each delivery is a JSON POST signed with HMAC-SHA256 over the body using
// the subscription secret. Deliveries to a failing endpoint are cut off by a
// per-subscription circuit breaker, and a subscription that keeps failing is
// deactivated.
package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/mulehunter/mulehunter/internal/scorer"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventAlertReview EventType = "alert.review"
	EventAlertBlock  EventType = "alert.block"
)

// KnownEvents lists every event type a subscription may ask for.
var KnownEvents = []EventType{EventAlertReview, EventAlertBlock}

// EventForVerdict maps a suspicious verdict to its event type. ALLOW and
// UNSCORED never produce webhook events.
func EventForVerdict(v scorer.Verdict) (EventType, bool) {
	switch v {
	case scorer.Review:
		return EventAlertReview, true
	case scorer.Block:
		return EventAlertBlock, true
	default:
		return "", false
	}
}

// MaxConsecutiveFailures deactivates a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 50

var ErrNotFound = errors.New("webhook subscription not found")

// Event is the JSON body posted to subscribers.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives events of type t.
func (s *Subscription) Wants(t EventType) bool {
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	// ListByEvent returns active subscriptions that want eventType.
	ListByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	// RecordDelivery stores the outcome of one delivery attempt.
	RecordDelivery(ctx context.Context, id string, at time.Time, deliveryErr string) error
	Delete(ctx context.Context, id string) error
}
