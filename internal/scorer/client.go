package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/mulehunter/mulehunter/internal/circuitbreaker"
	"github.com/mulehunter/mulehunter/internal/errs"
	"github.com/mulehunter/mulehunter/internal/metrics"
)

const (
	serviceName       = "fraud_scorer"
	maxResponseBytes  = 64 << 10
	breakerThreshold  = 5
	breakerOpenPeriod = 30 * time.Second
)

// HTTPClient calls the scoring model over HTTP:
//
//	POST {baseURL}/check   {"node_id": 42}
//	-> 200 {"risk_score": 0.91, "verdict": "BLOCK"}
type HTTPClient struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewHTTPClient creates a scorer client for baseURL.
func NewHTTPClient(baseURL string, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: circuitbreaker.New(breakerThreshold, breakerOpenPeriod).Named("scorer"),
		logger:  logger,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	c.client = hc
	return c
}

// WithBreaker replaces the circuit breaker.
func (c *HTTPClient) WithBreaker(b *circuitbreaker.Breaker) *HTTPClient {
	c.breaker = b
	return c
}

type checkRequest struct {
	NodeID int64 `json:"node_id"`
}

type checkResponse struct {
	RiskScore *float64 `json:"risk_score"`
	Verdict   string   `json:"verdict"`
}

// Check asks the model to classify nodeID, giving up after timeout.
func (c *HTTPClient) Check(ctx context.Context, nodeID int64, timeout time.Duration) (*Response, error) {
	if !c.breaker.Allow(c.baseURL) {
		metrics.ScorerRequestsTotal.WithLabelValues("circuit_open").Inc()
		return nil, errs.External(serviceName, ErrCircuitOpen)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.check(ctx, nodeID)
	metrics.ScorerLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		c.breaker.RecordFailure(c.baseURL)
		metrics.ScorerRequestsTotal.WithLabelValues("error").Inc()
		return nil, errs.External(serviceName, err)
	}

	c.breaker.RecordSuccess(c.baseURL)
	metrics.ScorerRequestsTotal.WithLabelValues(strings.ToLower(string(resp.Verdict))).Inc()
	return resp, nil
}

func (c *HTTPClient) check(ctx context.Context, nodeID int64) (*Response, error) {
	payload, err := json.Marshal(checkRequest{NodeID: nodeID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/check", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mulehunter-scorer-client/1.0")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", httpResp.StatusCode)
	}

	var raw checkResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if raw.RiskScore == nil {
		return nil, fmt.Errorf("response missing risk_score")
	}
	if math.IsNaN(*raw.RiskScore) || math.IsInf(*raw.RiskScore, 0) {
		return nil, fmt.Errorf("non-finite risk_score")
	}
	verdict, err := ParseVerdict(raw.Verdict)
	if err != nil {
		return nil, err
	}

	return &Response{RiskScore: *raw.RiskScore, Verdict: verdict}, nil
}

// Ping calls GET {baseURL}/health. It is registered with the health registry
// so readiness reflects whether transfers are being scored or defaulted.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scorer health returned %d", resp.StatusCode)
	}
	return nil
}
