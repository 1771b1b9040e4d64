// Package anomaly stores anomaly scores computed offline by the graph
// analytics job. Each score is keyed by account (graph node) id and replaced
// wholesale on every upload.
package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mulehunter/mulehunter/internal/errs"
	"github.com/mulehunter/mulehunter/internal/metrics"
)

const (
	// MaxBatchSize caps the number of scores accepted in one upload.
	MaxBatchSize = 10_000

	maxLabelLength = 128
	batchWorkers   = 8
)

var ErrNotFound = errors.New("anomaly score not found")

// Score is the latest anomaly assessment for one account.
type Score struct {
	NodeID       int64     `json:"nodeId"`
	AnomalyScore float64   `json:"anomalyScore"`
	IsAnomalous  bool      `json:"isAnomalous"`
	Model        string    `json:"model"`
	Source       string    `json:"source"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Flag is a boolean that also accepts 0 and 1, the encoding the analytics
// job emits.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	switch string(bytes.TrimSpace(b)) {
	case "true", "1":
		*f = true
	case "false", "0", "null":
		*f = false
	default:
		return fmt.Errorf("is_anomalous must be a boolean or 0/1, got %s", b)
	}
	return nil
}

// Input is one element of an uploaded batch.
type Input struct {
	NodeID       *int64   `json:"node_id"`
	AnomalyScore *float64 `json:"anomaly_score"`
	IsAnomalous  Flag     `json:"is_anomalous"`
	Model        string   `json:"model"`
	Source       string   `json:"source"`

	decodeErr error
}

// UnmarshalJSON keeps a malformed item from failing the whole batch: the
// decode error is reported by Validate for that item only.
func (in *Input) UnmarshalJSON(b []byte) error {
	type plain Input
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		*in = Input{NodeID: p.NodeID, decodeErr: errs.Invalid("item", "malformed anomaly score: "+err.Error())}
		return nil
	}
	*in = Input(p)
	return nil
}

// Validate checks one batch item.
func (in Input) Validate() error {
	if in.decodeErr != nil {
		return in.decodeErr
	}
	if in.NodeID == nil {
		return errs.Invalid("node_id", "node_id is required")
	}
	if *in.NodeID < 0 {
		return errs.Invalid("node_id", "node_id must be non-negative")
	}
	if in.AnomalyScore == nil {
		return errs.Invalid("anomaly_score", "anomaly_score is required")
	}
	if math.IsNaN(*in.AnomalyScore) || math.IsInf(*in.AnomalyScore, 0) {
		return errs.Invalid("anomaly_score", "anomaly_score must be finite")
	}
	if len(in.Model) > maxLabelLength {
		return errs.Invalid("model", "model is too long")
	}
	if len(in.Source) > maxLabelLength {
		return errs.Invalid("source", "source is too long")
	}
	return nil
}

// Store persists anomaly scores.
type Store interface {
	// Upsert inserts s or replaces the score stored for s.NodeID.
	Upsert(ctx context.Context, s *Score) error
	Get(ctx context.Context, nodeID int64) (*Score, error)
	// List returns up to limit scores, highest first. When anomalousOnly is
	// set only flagged accounts are returned.
	List(ctx context.Context, anomalousOnly bool, limit int) ([]*Score, error)
}

// ItemError reports why one batch item was not applied.
type ItemError struct {
	Index   int    `json:"index"`
	NodeID  *int64 `json:"nodeId,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// BatchResult summarizes a batch upload. Items are applied independently:
// a failure leaves the other items applied.
type BatchResult struct {
	Received int         `json:"received"`
	Applied  int         `json:"applied"`
	Failed   int         `json:"failed"`
	Errors   []ItemError `json:"errors,omitempty"`
}

// Service applies anomaly score batches.
type Service struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a new anomaly score service
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, now: time.Now, logger: logger}
}

// SaveBatch upserts every valid item of batch. Items are written
// concurrently and independently; the batch is neither atomic nor ordered.
func (s *Service) SaveBatch(ctx context.Context, batch []Input) BatchResult {
	res := BatchResult{Received: len(batch)}
	itemErrs := make([]*ItemError, len(batch))
	now := s.now()

	var g errgroup.Group
	g.SetLimit(batchWorkers)
	for i, in := range batch {
		if err := in.Validate(); err != nil {
			itemErrs[i] = itemError(i, in, err)
			continue
		}
		g.Go(func() error {
			score := &Score{
				NodeID:       *in.NodeID,
				AnomalyScore: *in.AnomalyScore,
				IsAnomalous:  bool(in.IsAnomalous),
				Model:        in.Model,
				Source:       in.Source,
				UpdatedAt:    now,
			}
			if err := s.store.Upsert(ctx, score); err != nil {
				s.logger.Warn("failed to upsert anomaly score", "node_id", score.NodeID, "error", err)
				itemErrs[i] = itemError(i, in, errs.Storage("anomaly upsert", err))
			}
			// Item failures are reported per item and must not cancel
			// the rest of the batch.
			return nil
		})
	}
	_ = g.Wait()

	for _, ie := range itemErrs {
		if ie != nil {
			res.Errors = append(res.Errors, *ie)
		}
	}
	res.Failed = len(res.Errors)
	res.Applied = res.Received - res.Failed

	metrics.AnomalyScoresTotal.WithLabelValues("applied").Add(float64(res.Applied))
	metrics.AnomalyScoresTotal.WithLabelValues("failed").Add(float64(res.Failed))
	return res
}

func itemError(i int, in Input, err error) *ItemError {
	ie := &ItemError{Index: i, NodeID: in.NodeID, Message: err.Error()}
	var ve *errs.ValidationError
	if errors.As(err, &ve) {
		ie.Field = ve.Field
		ie.Message = ve.Message
	} else if errs.IsStorage(err) {
		ie.Message = "storage unavailable"
	}
	return ie
}

// Get returns the score for nodeID or ErrNotFound.
func (s *Service) Get(ctx context.Context, nodeID int64) (*Score, error) {
	sc, err := s.store.Get(ctx, nodeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, errs.Storage("anomaly get", err)
	}
	return sc, nil
}

// List returns the highest scores first.
func (s *Service) List(ctx context.Context, anomalousOnly bool, limit int) ([]*Score, error) {
	out, err := s.store.List(ctx, anomalousOnly, limit)
	if err != nil {
		return nil, errs.Storage("anomaly list", err)
	}
	return out, nil
}

// DecodeBatch parses an uploaded JSON array.
func DecodeBatch(data []byte) ([]Input, error) {
	var batch []Input
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, errs.Invalid("body", "body must be a JSON array of anomaly scores")
	}
	if len(batch) > MaxBatchSize {
		return nil, errs.Invalid("body", fmt.Sprintf("batch exceeds %d items", MaxBatchSize))
	}
	return batch, nil
}
