package validation

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsPrintable(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"ja3:771,4865-4866", true},
		{"device fingerprint", true},
		{"", true},
		{"abc\x00def", false},
		{"line\nbreak", false},
		{"tab\there", false},
	}
	for _, tc := range tests {
		if got := IsPrintable(tc.input); got != tc.want {
			t.Errorf("IsPrintable(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.POST("/echo", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.String(http.StatusOK, "%d", len(body))
	})
	return r
}

func TestHeaderMiddleware(t *testing.T) {
	r := newRouter(HeaderMiddleware(16, "X-Device-Fingerprint", "Idempotency-Key"))

	tests := []struct {
		name   string
		header string
		value  string
		code   int
	}{
		{"absent", "", "", http.StatusOK},
		{"short fingerprint", "X-Device-Fingerprint", "fp-123", http.StatusOK},
		{"long fingerprint", "X-Device-Fingerprint", strings.Repeat("a", 17), http.StatusBadRequest},
		{"long idempotency key", "Idempotency-Key", strings.Repeat("k", 40), http.StatusBadRequest},
		{"unrelated header", "X-Other", strings.Repeat("a", 100), http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/echo", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.code {
				t.Errorf("status = %d, want %d", w.Code, tc.code)
			}
		})
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	r := newRouter(RequestSizeMiddleware(8))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/echo", strings.NewReader("small")))
	if w.Code != http.StatusOK || w.Body.String() != "5" {
		t.Errorf("small body: status %d body %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/echo", strings.NewReader(strings.Repeat("x", 64))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("large body: status %d, want 413", w.Code)
	}
}
