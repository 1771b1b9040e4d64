package anomaly

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := NewHandler(NewService(NewMemoryStore(), nil), slog.Default())
	r := gin.New()
	g := r.Group("/v1")
	h.RegisterRoutes(g)
	h.RegisterProtectedRoutes(g)
	return r
}

func TestHandler_BatchThenGet(t *testing.T) {
	r := setupRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/anomaly-scores/batch",
		strings.NewReader(`[{"node_id": 9, "anomaly_score": 0.97, "is_anomalous": 1, "model": "gae", "source": "nightly"}]`)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res BatchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Applied)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/anomaly-scores/9", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Score Score `json:"score"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 0.97, body.Score.AnomalyScore)
	assert.Equal(t, "gae", body.Score.Model)
}

func TestHandler_BatchStatusCodes(t *testing.T) {
	r := setupRouter(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"not an array", `{"node_id": 1}`, http.StatusBadRequest},
		{"all invalid", `[{"anomaly_score": 1}]`, http.StatusUnprocessableEntity},
		{"partial", `[{"node_id": 1, "anomaly_score": 1}, {"node_id": -1, "anomaly_score": 1}]`, http.StatusMultiStatus},
		{"empty", `[]`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/anomaly-scores/batch", strings.NewReader(tt.body)))
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestHandler_GetScoreNotFound(t *testing.T) {
	r := setupRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/anomaly-scores/123", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/anomaly-scores/abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
