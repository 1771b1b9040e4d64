package transfers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mulehunter/mulehunter/internal/errs"
	"github.com/mulehunter/mulehunter/internal/pagination"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Handler provides read endpoints over the transfer log. Submitting
// transfers is served by the orchestrator's handler.
type Handler struct {
	store  Store
	logger *slog.Logger
}

// NewHandler creates a new transfer log handler
func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes sets up read routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transfers", h.ListTransfers)
	r.GET("/transfers/:id", h.GetTransfer)
}

// ListTransfers handles GET /transfers?flagged=&inconsistent=&account=&cursor=&limit=
func (h *Handler) ListTransfers(c *gin.Context) {
	limit := pagination.Limit(c.Query("limit"), defaultPageSize, maxPageSize)

	f := Filter{
		Flagged:      c.Query("flagged") == "true",
		Inconsistent: c.Query("inconsistent") == "true",
		Limit:        limit + 1,
	}
	if raw := c.Query("account"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			errs.Respond(c, errs.Invalid("account", "account must be a non-negative integer"))
			return
		}
		f.Account = &id
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		errs.Respond(c, errs.Invalid("cursor", err.Error()))
		return
	}
	f.Cursor = cursor

	items, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("failed to list transfers", "error", err)
		errs.Respond(c, errs.Storage("list transfers", err))
		return
	}

	page, next, hasMore := pagination.ComputePage(items, limit, func(o *Outcome) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	if page == nil {
		page = []*Outcome{}
	}

	c.JSON(http.StatusOK, gin.H{
		"transfers":  page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// GetTransfer handles GET /transfers/:id
func (h *Handler) GetTransfer(c *gin.Context) {
	id := c.Param("id")

	o, err := h.store.Get(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transfer not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("failed to get transfer", "id", id, "error", err)
		errs.Respond(c, errs.Storage("get transfer", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"transfer": o})
}
