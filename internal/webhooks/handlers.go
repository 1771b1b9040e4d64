package webhooks

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mulehunter/mulehunter/internal/errs"
	"github.com/mulehunter/mulehunter/internal/idgen"
	"github.com/mulehunter/mulehunter/internal/security"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store        Store
	logger       *slog.Logger
	urlValidator func(string) error
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{
		store:        store,
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
	}
}

// RegisterAdminRoutes sets up webhook management routes. The group is
// expected to require the internal API key.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/webhooks", h.CreateWebhook)
	r.GET("/admin/webhooks", h.ListWebhooks)
	r.GET("/admin/webhooks/:webhookId", h.GetWebhook)
	r.DELETE("/admin/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /admin/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.urlValidator(req.URL); err != nil {
		errs.Respond(c, errs.Invalid("url", err.Error()))
		return
	}

	// No events means every alert event.
	events := KnownEvents
	if len(req.Events) > 0 {
		events = make([]EventType, 0, len(req.Events))
		for _, e := range req.Events {
			et := EventType(e)
			if !isKnown(et) {
				errs.Respond(c, errs.Invalid("events", "unknown event type "+e))
				return
			}
			events = append(events, et)
		}
	}

	secret := idgen.Secret(32)
	sub := &Subscription{
		ID:        idgen.Random("wh_"),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		h.logger.Error("failed to create webhook", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret), hex encoded",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /admin/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list webhooks", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}

	// Secrets are never serialized.
	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"count":    len(subs),
	})
}

// GetWebhook handles GET /admin/webhooks/:webhookId
func (h *Handler) GetWebhook(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("webhookId"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err != nil {
		errs.Respond(c, errs.Storage("get webhook", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": sub})
}

// DeleteWebhook handles DELETE /admin/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("webhookId"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("failed to delete webhook", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

func isKnown(et EventType) bool {
	for _, k := range KnownEvents {
		if k == et {
			return true
		}
	}
	return false
}
