package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the mulehunter API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Internal API key; only needed for score ingestion
}

// Client is a pure HTTP client for the mulehunter API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the mulehunter API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// 422 from batch ingestion still carries the per-item errors.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusUnprocessableEntity {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetAccount returns the ledger record for an account.
func (c *Client) GetAccount(ctx context.Context, nodeID int64) (json.RawMessage, error) {
	path := "/v1/accounts/" + strconv.FormatInt(nodeID, 10)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// ListAccounts returns the riskiest accounts first.
func (c *Client) ListAccounts(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts", q, nil)
}

// GetAnomalyScore returns the latest offline anomaly score for an account.
func (c *Client) GetAnomalyScore(ctx context.Context, nodeID int64) (json.RawMessage, error) {
	path := "/v1/anomaly-scores/" + strconv.FormatInt(nodeID, 10)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// ListFlaggedTransfers pages through transfers marked as suspected fraud.
func (c *Client) ListFlaggedTransfers(ctx context.Context, account *int64, cursor string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("flagged", "true")
	if account != nil {
		q.Set("account", strconv.FormatInt(*account, 10))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/transfers", q, nil)
}

// GetTransfer returns one transfer outcome.
func (c *Client) GetTransfer(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(id), nil, nil)
}

// InspectFingerprint reads the velocity window of a client fingerprint
// without recording an observation.
func (c *Client) InspectFingerprint(ctx context.Context, fp string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/fingerprints/"+url.PathEscape(fp), nil, nil)
}

// SubmitAnomalyScores uploads a batch of offline model scores.
func (c *Client) SubmitAnomalyScores(ctx context.Context, batch []map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/anomaly-scores/batch", nil, batch)
}
