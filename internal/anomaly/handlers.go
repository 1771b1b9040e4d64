package anomaly

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mulehunter/mulehunter/internal/accountrisk"
	"github.com/mulehunter/mulehunter/internal/errs"
	"github.com/mulehunter/mulehunter/internal/pagination"
)

// maxBodyBytes bounds an uploaded batch.
const maxBodyBytes = 8 << 20

// Handler provides HTTP endpoints for anomaly scores
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new anomaly score handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up the public read routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/anomaly-scores", h.ListScores)
	r.GET("/anomaly-scores/:nodeId", h.GetScore)
}

// RegisterProtectedRoutes sets up the upload route. The caller is expected
// to put it behind internal authentication.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/anomaly-scores/batch", h.SaveBatch)
}

// SaveBatch handles POST /anomaly-scores/batch
func (h *Handler) SaveBatch(c *gin.Context) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": "Batch body is too large",
		})
		return
	}
	batch, err := DecodeBatch(data)
	if err != nil {
		errs.Respond(c, err)
		return
	}

	res := h.service.SaveBatch(c.Request.Context(), batch)
	if res.Failed > 0 {
		h.logger.Warn("anomaly batch partially applied",
			"received", res.Received, "applied", res.Applied, "failed", res.Failed)
	}

	status := http.StatusOK
	if res.Failed > 0 && res.Applied > 0 {
		status = http.StatusMultiStatus
	} else if res.Failed > 0 {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, res)
}

// GetScore handles GET /anomaly-scores/:nodeId
func (h *Handler) GetScore(c *gin.Context) {
	nodeID, err := accountrisk.ParseNodeID("nodeId", c.Param("nodeId"))
	if err != nil {
		errs.Respond(c, err)
		return
	}

	s, err := h.service.Get(c.Request.Context(), nodeID)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No anomaly score for this account",
		})
		return
	}
	if err != nil {
		h.logger.Error("failed to get anomaly score", "node_id", nodeID, "error", err)
		errs.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"score": s})
}

// ListScores handles GET /anomaly-scores?anomalous=true&limit=
func (h *Handler) ListScores(c *gin.Context) {
	limit := pagination.Limit(c.Query("limit"), 100, 1000)

	scores, err := h.service.List(c.Request.Context(), c.Query("anomalous") == "true", limit)
	if err != nil {
		h.logger.Error("failed to list anomaly scores", "error", err)
		errs.Respond(c, err)
		return
	}
	if scores == nil {
		scores = []*Score{}
	}
	c.JSON(http.StatusOK, gin.H{"scores": scores, "count": len(scores)})
}
