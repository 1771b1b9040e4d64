package reconciliation

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mulehunter/mulehunter/internal/errs"
)

// Handler exposes on-demand reconciliation
type Handler struct {
	runner *Runner
	logger *slog.Logger
}

// NewHandler creates a new reconciliation handler
func NewHandler(runner *Runner, logger *slog.Logger) *Handler {
	return &Handler{runner: runner, logger: logger}
}

// RegisterAdminRoutes sets up admin routes. The caller is expected to put
// them behind internal authentication.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reconcile", h.Reconcile)
}

// Reconcile handles POST /admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	rep, err := h.runner.RunOnce(c.Request.Context())
	if errors.Is(err, ErrAlreadyRunning) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_running",
			"message": "A reconciliation run is already in progress",
		})
		return
	}
	if err != nil {
		h.logger.Error("reconciliation failed", "error", err)
		errs.Respond(c, errs.Storage("reconcile", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}
