package fingerprint

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes read-only inspection of fingerprint windows.
type Handler struct {
	tracker *Tracker
}

// NewHandler creates a new fingerprint handler
func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

// RegisterRoutes sets up fingerprint routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/fingerprints/:fingerprint", h.Inspect)
}

// Inspect handles GET /fingerprints/:fingerprint. It never records an observation.
func (h *Handler) Inspect(c *gin.Context) {
	fp := c.Param("fingerprint")
	sig, live := h.tracker.Peek(fp)
	if !live {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No activity for this fingerprint in the current window",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"fingerprint": fp,
		"signal":      sig,
		"window":      h.tracker.Window().String(),
	})
}
