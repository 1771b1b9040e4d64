package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mulehunter/mulehunter/internal/errs"
	"github.com/mulehunter/mulehunter/internal/fingerprint"
)

// IdempotencyHeader carries the client's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// Handler provides the transfer submission endpoint
type Handler struct {
	orch   *Orchestrator
	logger *slog.Logger
}

// NewHandler creates a new transfer submission handler
func NewHandler(orch *Orchestrator, logger *slog.Logger) *Handler {
	return &Handler{orch: orch, logger: logger}
}

// RegisterRoutes sets up transfer submission routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transfers", h.CreateTransfer)
}

// flexString accepts a JSON string or number and keeps its literal text, so
// amounts sent as numbers lose no precision.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number")
	}
	*f = flexString(n.String())
	return nil
}

// CreateTransferRequest is the body of POST /transfers.
type CreateTransferRequest struct {
	SourceAccount flexString `json:"sourceAccount"`
	TargetAccount flexString `json:"targetAccount"`
	Amount        flexString `json:"amount"`
}

// CreateTransfer handles POST /transfers
func (h *Handler) CreateTransfer(c *gin.Context) {
	var body CreateTransferRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a JSON object with sourceAccount, targetAccount and amount",
		})
		return
	}

	out, err := h.orch.Process(c.Request.Context(), Request{
		SourceAccount:  string(body.SourceAccount),
		TargetAccount:  string(body.TargetAccount),
		Amount:         string(body.Amount),
		Fingerprint:    fingerprint.FromContext(c.Request.Context()),
		IdempotencyKey: c.GetHeader(IdempotencyHeader),
	})
	if err != nil {
		errs.Respond(c, err)
		return
	}

	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"transfer": out})
}
