package fingerprint

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
)

type contextKey struct{}

// WithContext attaches a client fingerprint to ctx. The value is stored
// verbatim; blank values are not attached.
func WithContext(ctx context.Context, fp string) context.Context {
	if strings.TrimSpace(fp) == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, fp)
}

// FromContext returns the client fingerprint carried by ctx, if any.
func FromContext(ctx context.Context) string {
	fp, _ := ctx.Value(contextKey{}).(string)
	return fp
}

// Middleware copies the fingerprint header set by the TLS-terminating proxy
// into the request context.
func Middleware(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if fp := c.GetHeader(header); fp != "" {
			c.Request = c.Request.WithContext(WithContext(c.Request.Context(), fp))
		}
		c.Next()
	}
}
