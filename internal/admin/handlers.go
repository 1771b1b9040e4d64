package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Sweepable is in-memory state that expires lazily and can be swept on demand.
type Sweepable interface {
	Len() int
	Sweep() int
}

// QueueDepth reports pending work.
type QueueDepth interface {
	Len() int
}

// HubStats reports realtime connection statistics.
type HubStats interface {
	Stats() map[string]interface{}
}

// Runner is a background loop that reports whether it is running.
type Runner interface {
	Running() bool
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	fingerprints Sweepable
	idempotency  Sweepable
	alerts       QueueDepth
	hub          HubStats
	background   map[string]Runner
	now          func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{
		background: make(map[string]Runner),
		now:        time.Now,
	}
}

// WithFingerprints sets the fingerprint tracker.
func (h *Handler) WithFingerprints(s Sweepable) *Handler {
	h.fingerprints = s
	return h
}

// WithIdempotency sets the in-memory idempotency store. Leave unset when
// keys live in Redis, which expires them itself.
func (h *Handler) WithIdempotency(s Sweepable) *Handler {
	h.idempotency = s
	return h
}

// WithAlertQueue sets the alert queue for depth reporting.
func (h *Handler) WithAlertQueue(q QueueDepth) *Handler {
	h.alerts = q
	return h
}

// WithHub sets the realtime hub for connection stats.
func (h *Handler) WithHub(hub HubStats) *Handler {
	h.hub = hub
	return h
}

// WithBackground registers a background loop under name.
func (h *Handler) WithBackground(name string, r Runner) *Handler {
	h.background[name] = r
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/stats", h.stats)
	r.POST("/admin/fingerprints/sweep", h.sweepFingerprints)
	r.POST("/admin/idempotency/sweep", h.sweepIdempotency)
}

// stats reports in-process state for operators.
func (h *Handler) stats(c *gin.Context) {
	s := Stats{
		Background: make(map[string]bool, len(h.background)),
		Timestamp:  h.now().UTC(),
	}
	if h.fingerprints != nil {
		s.FingerprintWindows = h.fingerprints.Len()
	}
	if h.alerts != nil {
		s.AlertQueueDepth = h.alerts.Len()
	}
	if h.idempotency != nil {
		n := h.idempotency.Len()
		s.IdempotencyKeys = &n
	}
	if h.hub != nil {
		s.Realtime = h.hub.Stats()
	}
	for name, r := range h.background {
		s.Background[name] = r.Running()
	}
	c.JSON(http.StatusOK, s)
}

// sweepFingerprints drops expired fingerprint windows without waiting for
// the sweeper tick.
func (h *Handler) sweepFingerprints(c *gin.Context) {
	if h.fingerprints == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "fingerprint tracker not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": h.sweep("fingerprints", h.fingerprints)})
}

// sweepIdempotency drops expired in-memory idempotency keys.
func (h *Handler) sweepIdempotency(c *gin.Context) {
	if h.idempotency == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "not_configured",
			"message": "idempotency keys are not held in memory",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": h.sweep("idempotency", h.idempotency)})
}

func (h *Handler) sweep(target string, s Sweepable) SweepResult {
	start := h.now()
	removed := s.Sweep()
	return SweepResult{
		Target:    target,
		Removed:   removed,
		Remaining: s.Len(),
		Duration:  h.now().Sub(start),
	}
}
