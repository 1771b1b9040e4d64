// Package fingerprint tracks per-client TLS fingerprint activity and turns it
// into a bounded bot-risk signal.
//
// Each fingerprint owns a tumbling window that is re-anchored lazily: when an
// observation arrives more than the window duration after the window started,
// the window is reset before the observation is recorded. Within a window the
// tracker counts observations (velocity) and distinct accounts (fan-out).
package fingerprint

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mulehunter/mulehunter/internal/metrics"
	"github.com/mulehunter/mulehunter/internal/syncutil"
)

const (
	DefaultWindow     = 5 * time.Minute
	DefaultMaxWindows = 1_000_000

	VelocityThreshold = 50
	FanoutThreshold   = 20

	baseRisk     = 0.2
	velocityRisk = 0.3
	fanoutRisk   = 0.4
	unknownRisk  = 0.3
)

// Signal is the risk contribution of one fingerprint observation.
type Signal struct {
	Risk     float64 `json:"risk"`
	Velocity int     `json:"velocity"`
	Fanout   int     `json:"fanout"`
}

// Unknown is returned for requests without a fingerprint. A client that hides
// its fingerprint is treated as somewhat riskier than a fresh, known one.
var Unknown = Signal{Risk: unknownRisk}

// Score computes the risk for a velocity and fan-out pair.
func Score(velocity, fanout int) float64 {
	risk := baseRisk
	if velocity > VelocityThreshold {
		risk += velocityRisk
	}
	if fanout > FanoutThreshold {
		risk += fanoutRisk
	}
	if risk > 1.0 {
		risk = 1.0
	}
	return risk
}

type window struct {
	start    time.Time
	lastSeen time.Time
	hits     int
	accounts map[string]struct{}
}

func newWindow(now time.Time) *window {
	return &window{start: now, lastSeen: now, accounts: make(map[string]struct{})}
}

func (w *window) expired(now time.Time, d time.Duration) bool {
	return now.Sub(w.start) > d
}

func (w *window) reset(now time.Time) {
	w.start = now
	w.hits = 0
	clear(w.accounts)
}

func (w *window) signal() Signal {
	return Signal{
		Risk:     Score(w.hits, len(w.accounts)),
		Velocity: w.hits,
		Fanout:   len(w.accounts),
	}
}

// Tracker holds one window per fingerprint. Evaluate calls for the same
// fingerprint are serialized; different fingerprints never contend beyond
// sharing a lock stripe.
type Tracker struct {
	windows    syncutil.StripedMap[*window]
	duration   time.Duration
	maxWindows int
	now        func() time.Time
	logger     *slog.Logger
}

// NewTracker creates a tracker with the given window duration.
func NewTracker(duration time.Duration, logger *slog.Logger) *Tracker {
	if duration <= 0 {
		duration = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		duration:   duration,
		maxWindows: DefaultMaxWindows,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock replaces the time source. Intended for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// WithMaxWindows caps how many windows a sweep leaves behind. Zero disables
// the cap.
func (t *Tracker) WithMaxWindows(n int) *Tracker {
	t.maxWindows = n
	return t
}

// Window returns the configured window duration.
func (t *Tracker) Window() time.Duration { return t.duration }

// Evaluate records one observation of fp on behalf of accountID and returns
// the resulting signal. A blank fingerprint yields Unknown and touches no
// state. A blank accountID still counts toward velocity but not fan-out.
func (t *Tracker) Evaluate(fp, accountID string) Signal {
	if strings.TrimSpace(fp) == "" {
		metrics.FingerprintEvaluationsTotal.WithLabelValues("false").Inc()
		return Unknown
	}
	metrics.FingerprintEvaluationsTotal.WithLabelValues("true").Inc()

	account := strings.TrimSpace(accountID)
	now := t.now()

	var sig Signal
	t.windows.Update(fp, func(w *window, ok bool) (*window, bool) {
		if !ok {
			w = newWindow(now)
		} else if w.expired(now, t.duration) {
			w.reset(now)
		}
		w.hits++
		w.lastSeen = now
		if account != "" {
			w.accounts[account] = struct{}{}
		}
		sig = w.signal()
		return w, true
	})
	return sig
}

// Peek returns the signal of fp's current window without recording an
// observation. It reports false when fp has no live window.
func (t *Tracker) Peek(fp string) (Signal, bool) {
	now := t.now()
	var sig Signal
	var live bool
	t.windows.View(fp, func(w *window, ok bool) {
		if !ok || w.expired(now, t.duration) {
			return
		}
		sig, live = w.signal(), true
	})
	return sig, live
}

// Len returns the number of windows held in memory.
func (t *Tracker) Len() int {
	return t.windows.Len()
}

// Sweep evicts expired windows, then, if more than the configured maximum
// remain, the least recently seen ones. Evicting an expired window cannot
// change any future Evaluate result since the window would be reset on its
// next observation anyway. It returns the number of windows evicted.
func (t *Tracker) Sweep() int {
	now := t.now()
	expired := t.windows.Sweep(func(_ string, w *window) bool {
		return w.expired(now, t.duration)
	})
	metrics.FingerprintEvictionsTotal.WithLabelValues("expired").Add(float64(expired))

	overflow := t.evictOverflow()
	metrics.FingerprintEvictionsTotal.WithLabelValues("capacity").Add(float64(overflow))

	metrics.FingerprintWindows.Set(float64(t.windows.Len()))
	if overflow > 0 {
		t.logger.Warn("fingerprint window cap reached, evicted live windows",
			"evicted", overflow, "max_windows", t.maxWindows)
	}
	return expired + overflow
}

func (t *Tracker) evictOverflow() int {
	if t.maxWindows <= 0 {
		return 0
	}
	excess := t.windows.Len() - t.maxWindows
	if excess <= 0 {
		return 0
	}

	type seen struct {
		key string
		at  time.Time
	}
	all := make([]seen, 0, t.windows.Len())
	t.windows.Range(func(k string, w *window) bool {
		all = append(all, seen{key: k, at: w.lastSeen})
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	if excess > len(all) {
		excess = len(all)
	}

	victims := make(map[string]time.Time, excess)
	for _, s := range all[:excess] {
		victims[s.key] = s.at
	}
	// A window touched after the snapshot is spared.
	return t.windows.Sweep(func(k string, w *window) bool {
		at, ok := victims[k]
		return ok && !w.lastSeen.After(at)
	})
}
