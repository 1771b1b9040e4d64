// Package health runs dependency probes for the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 2 * time.Second

// Probe reports a dependency problem as a non-nil error.
type Probe func(ctx context.Context) error

// Status is the outcome of one probe.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	LatencyMS int64  `json:"latencyMs"`
	Detail    string `json:"detail,omitempty"`
}

// Report aggregates a run. Healthy is false only when a critical probe
// failed; Degraded is set when any probe failed.
type Report struct {
	Healthy  bool     `json:"healthy"`
	Degraded bool     `json:"degraded"`
	Checks   []Status `json:"checks"`
}

type check struct {
	name     string
	probe    Probe
	critical bool
}

// Registry holds probes in registration order. It is safe for concurrent
// use.
type Registry struct {
	mu      sync.RWMutex
	checks  []check
	timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-probe timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Critical registers a probe whose failure makes the service unhealthy,
// such as the primary database.
func (r *Registry) Critical(name string, p Probe) { r.add(check{name, p, true}) }

// Optional registers a probe for a dependency the service can run without,
// such as the external scorer.
func (r *Registry) Optional(name string, p Probe) { r.add(check{name, p, false}) }

func (r *Registry) add(c check) {
	r.mu.Lock()
	r.checks = append(r.checks, c)
	r.mu.Unlock()
}

// Check runs every probe concurrently, each under its own timeout.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checks := append([]check(nil), r.checks...)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			err := c.probe(pctx)
			st := Status{
				Name:      c.name,
				Healthy:   err == nil,
				Critical:  c.critical,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				st.Detail = err.Error()
			}
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Healthy: true, Checks: statuses}
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		rep.Degraded = true
		if st.Critical {
			rep.Healthy = false
		}
	}
	return rep
}
