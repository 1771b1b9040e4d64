// Package circuitbreaker provides a per-key circuit breaker with
// closed, open and half-open states. The fraud scorer client keys it by
// scorer endpoint and the webhook dispatcher by subscription.
package circuitbreaker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mulehunter/mulehunter/internal/syncutil"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Keys are subscription ids and endpoints, so they stay out of the labels.
var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mulehunter",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by breaker, from-state, and to-state.",
}, []string{"breaker", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// entry tracks per-key circuit state.
type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

type transition struct {
	key      string
	from, to State
}

// Breaker is a per-key circuit breaker. It tracks consecutive failures per
// key and trips open at the threshold. After openDuration the circuit moves
// to half-open and allows one probe request. Keys whose circuit is closed
// with no failures hold no memory.
type Breaker struct {
	name         string
	entries      syncutil.StripedMap[entry]
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New creates a circuit breaker that opens after threshold consecutive
// failures and stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		name:         "default",
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// Named sets the breaker label used in metrics. Call before first use.
func (b *Breaker) Named(name string) *Breaker {
	b.name = name
	return b
}

// WithClock replaces the time source. Call before first use.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// OnTransition sets a callback invoked asynchronously on state changes.
// Call before first use.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.onTransition = fn
}

// Allow reports whether a request to key should proceed. An open circuit
// whose openDuration has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(key string) bool {
	allowed := true
	var tr *transition
	b.entries.Update(key, func(e entry, ok bool) (entry, bool) {
		if !ok {
			return e, false
		}
		switch e.state {
		case StateOpen:
			if b.now().Sub(e.lastFailure) >= b.openDuration {
				tr = &transition{key, e.state, StateHalfOpen}
				e.state = StateHalfOpen
			} else {
				allowed = false
			}
		case StateHalfOpen:
			// Already probing; reject until the probe completes.
			allowed = false
		}
		return e, true
	})
	b.fire(tr)
	return allowed
}

// RecordSuccess closes the circuit for key and forgets its failures.
func (b *Breaker) RecordSuccess(key string) {
	var tr *transition
	b.entries.Update(key, func(e entry, ok bool) (entry, bool) {
		if ok && e.state != StateClosed {
			tr = &transition{key, e.state, StateClosed}
		}
		return entry{}, false
	})
	b.fire(tr)
}

// RecordFailure counts a failure for key. A failed probe reopens the
// circuit; otherwise the circuit opens once failures reach the threshold.
func (b *Breaker) RecordFailure(key string) {
	var tr *transition
	b.entries.Update(key, func(e entry, ok bool) (entry, bool) {
		e.failures++
		e.lastFailure = b.now()
		switch {
		case e.state == StateHalfOpen:
			tr = &transition{key, e.state, StateOpen}
			e.state = StateOpen
		case e.state == StateClosed && e.failures >= b.threshold:
			tr = &transition{key, e.state, StateOpen}
			e.state = StateOpen
		}
		return e, true
	})
	b.fire(tr)
}

// Reset forgets all state for key, closing its circuit.
func (b *Breaker) Reset(key string) {
	b.RecordSuccess(key)
}

// State returns the current state for a key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	e, ok := b.entries.Load(key)
	if !ok {
		return StateClosed
	}
	return e.state
}

// Tracked returns the number of keys with recorded failures.
func (b *Breaker) Tracked() int {
	return b.entries.Len()
}

func (b *Breaker) fire(tr *transition) {
	if tr == nil {
		return
	}
	cbStateTransitions.WithLabelValues(b.name, tr.from.String(), tr.to.String()).Inc()
	if fn := b.onTransition; fn != nil {
		go fn(tr.key, tr.from, tr.to)
	}
}
