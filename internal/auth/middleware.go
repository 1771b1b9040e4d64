package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mulehunter/mulehunter/internal/logging"
)

// ContextKeyInternal is set in the gin context once a request presented the
// internal API key.
const ContextKeyInternal = "authInternal"

// RequireInternalKey rejects requests without the internal API key.
func RequireInternalKey(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractKey(c.GetHeader("Authorization"), c.GetHeader("X-API-Key"))
		err := a.Check(raw)
		switch {
		case err == nil:
			c.Set(ContextKeyInternal, true)
			c.Next()
		case errors.Is(err, ErrNoAPIKey):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer <key>' header.",
			})
		default:
			logging.L(c.Request.Context()).Warn("rejected internal API key",
				"path", c.FullPath(), "client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid API key.",
			})
		}
	}
}
