package orchestrator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mulehunter/mulehunter/internal/fingerprint"
	"github.com/mulehunter/mulehunter/internal/scorer"
)

func setupRouter(t *testing.T, sc scorer.Scorer) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := newHarness(t, sc)
	r := gin.New()
	r.Use(fingerprint.Middleware("X-JA3-Fingerprint"))
	NewHandler(h.orch, testLogger()).RegisterRoutes(r.Group("/v1"))
	return r, h
}

func postTransfer(r *gin.Engine, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/transfers", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type transferBody struct {
	Transfer struct {
		ID             string `json:"id"`
		Amount         string `json:"amount"`
		Verdict        string `json:"verdict"`
		SuspectedFraud bool   `json:"suspectedFraud"`
		Replayed       bool   `json:"replayed"`
		Fingerprint    *struct {
			Detected bool `json:"detected"`
			Velocity int  `json:"velocity"`
		} `json:"fingerprint"`
	} `json:"transfer"`
}

func TestHandler_CreateTransfer(t *testing.T) {
	r, _ := setupRouter(t, verdict(scorer.Block, 0.95))

	w := postTransfer(r, `{"sourceAccount":"1","targetAccount":"2","amount":"100.50"}`,
		map[string]string{"X-JA3-Fingerprint": "abc123"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body transferBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "100.5", body.Transfer.Amount)
	assert.Equal(t, "BLOCK", body.Transfer.Verdict)
	assert.True(t, body.Transfer.SuspectedFraud)
	require.NotNil(t, body.Transfer.Fingerprint)
	assert.True(t, body.Transfer.Fingerprint.Detected)
	assert.Equal(t, 1, body.Transfer.Fingerprint.Velocity)
}

func TestHandler_CreateTransfer_NumericFields(t *testing.T) {
	r, h := setupRouter(t, verdict(scorer.Allow, 0))

	w := postTransfer(r, `{"sourceAccount":1,"targetAccount":2,"amount":0.1}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	rec := h.record(t, 2)
	assert.Equal(t, "0.1", rec.TotalIncoming.String())
}

func TestHandler_CreateTransfer_Replay(t *testing.T) {
	r, _ := setupRouter(t, verdict(scorer.Allow, 0))
	hdr := map[string]string{IdempotencyHeader: "client-key-1"}
	payload := `{"sourceAccount":"1","targetAccount":"2","amount":"10"}`

	w := postTransfer(r, payload, hdr)
	require.Equal(t, http.StatusCreated, w.Code)
	var first transferBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))

	w = postTransfer(r, payload, hdr)
	require.Equal(t, http.StatusOK, w.Code)
	var second transferBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.True(t, second.Transfer.Replayed)
	assert.Equal(t, first.Transfer.ID, second.Transfer.ID)
}

func TestHandler_CreateTransfer_Errors(t *testing.T) {
	r, _ := setupRouter(t, verdict(scorer.Allow, 0))

	tests := []struct {
		name  string
		body  string
		code  int
		error string
	}{
		{"malformed json", `{"sourceAccount":`, http.StatusBadRequest, "invalid_request"},
		{"bad amount", `{"sourceAccount":"1","targetAccount":"2","amount":"-1"}`, http.StatusBadRequest, "validation_error"},
		{"missing target", `{"sourceAccount":"1","amount":"1"}`, http.StatusBadRequest, "validation_error"},
		{"exponent amount", `{"sourceAccount":"1","targetAccount":"2","amount":"1e2000000"}`, http.StatusBadRequest, "validation_error"},
		{"numeric amount too large", `{"sourceAccount":"1","targetAccount":"2","amount":1e25}`, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postTransfer(r, tt.body, nil)
			assert.Equal(t, tt.code, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.error, body["error"])
		})
	}
}
