// Package security provides HTTP hardening for the risk API: response
// headers, CORS, and validation of outbound endpoint URLs.
package security

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// jsonAPIHeaders lock down responses that are only ever JSON.
var jsonAPIHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
}

const hsts = "max-age=63072000; includeSubDomains"

// HeadersMiddleware sets hardening headers on every response, plus HSTS
// when the request arrived over TLS directly or through a proxy.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, h := range jsonAPIHeaders {
			c.Header(h[0], h[1])
		}
		if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
			c.Header("Strict-Transport-Security", hsts)
		}
		c.Next()
	}
}

var baseCORSHeaders = []string{"Authorization", "Content-Type", "X-Request-ID", "X-API-Key"}

// CORS lists the browser origins allowed to call the API. "*" allows any
// origin but then disables credentials.
type CORS struct {
	Origins []string
	// Headers are allowed in addition to the auth, content type and request
	// id headers.
	Headers []string
	MaxAge  time.Duration
}

// Middleware answers preflight requests and decorates cross-origin
// responses. Preflights from unknown origins get 403.
func (p CORS) Middleware() gin.HandlerFunc {
	wildcard := slices.Contains(p.Origins, "*")
	allowHeaders := strings.Join(append(slices.Clone(baseCORSHeaders), p.Headers...), ", ")
	maxAge := p.MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	return func(c *gin.Context) {
		c.Header("Vary", "Origin")
		origin := c.GetHeader("Origin")
		allowed := origin != "" && (wildcard || slices.Contains(p.Origins, origin))

		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""
		if !preflight {
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", allowHeaders)
		c.Header("Access-Control-Max-Age", strconv.Itoa(int(maxAge.Seconds())))
		c.AbortWithStatus(http.StatusNoContent)
	}
}
