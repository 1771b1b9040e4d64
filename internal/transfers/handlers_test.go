package transfers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := NewMemoryStore()
	r := gin.New()
	NewHandler(s, slog.Default()).RegisterRoutes(r.Group("/v1"))
	return r, s
}

type listBody struct {
	Transfers  []*Outcome `json:"transfers"`
	Count      int        `json:"count"`
	NextCursor string     `json:"nextCursor"`
	HasMore    bool       `json:"hasMore"`
}

func TestHandler_ListPaginates(t *testing.T) {
	r, s := setupRouter(t)
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(context.Background(), outcome(i, true, true)))
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/transfers?flagged=true&limit=3", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var page1 listBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page1))
	assert.Equal(t, 3, page1.Count)
	assert.True(t, page1.HasMore)
	require.NotEmpty(t, page1.NextCursor)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/transfers?flagged=true&limit=3&cursor="+page1.NextCursor, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var page2 listBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page2))
	assert.Equal(t, 2, page2.Count)
	assert.False(t, page2.HasMore)
	assert.Equal(t, "tx_001", page2.Transfers[1].ID)
}

func TestHandler_ListRejectsBadInput(t *testing.T) {
	r, _ := setupRouter(t)

	for _, url := range []string{"/v1/transfers?cursor=not-a-cursor!", "/v1/transfers?account=-4"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, url)
	}
}

func TestHandler_GetTransfer(t *testing.T) {
	r, s := setupRouter(t)
	require.NoError(t, s.Append(context.Background(), outcome(7, true, false)))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/transfers/tx_007", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Transfer Outcome `json:"transfer"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "tx_007", body.Transfer.ID)
	assert.False(t, body.Transfer.LedgerConsistent)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/transfers/tx_nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
