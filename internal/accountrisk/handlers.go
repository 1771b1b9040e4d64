package accountrisk

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mulehunter/mulehunter/internal/errs"
	"github.com/mulehunter/mulehunter/internal/pagination"
)

// Handler provides HTTP endpoints for reading account risk records
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new account risk handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up account routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts", h.ListAccounts)
	r.GET("/accounts/:nodeId", h.GetAccount)
}

// ListAccounts handles GET /accounts, riskiest accounts first
func (h *Handler) ListAccounts(c *gin.Context) {
	limit := pagination.Limit(c.Query("limit"), 100, 1000)

	recs, err := h.ledger.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list accounts", "error", err)
		errs.Respond(c, err)
		return
	}
	if recs == nil {
		recs = []*Record{}
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts": recs,
		"count":    len(recs),
	})
}

// GetAccount handles GET /accounts/:nodeId
func (h *Handler) GetAccount(c *gin.Context) {
	nodeID, err := ParseNodeID("nodeId", c.Param("nodeId"))
	if err != nil {
		errs.Respond(c, err)
		return
	}

	rec, err := h.ledger.Get(c.Request.Context(), nodeID)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Account has no recorded transfers",
		})
		return
	}
	if err != nil {
		h.logger.Error("failed to get account", "node_id", nodeID, "error", err)
		errs.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": rec})
}
