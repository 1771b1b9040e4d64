// Package validation provides request guards applied before handlers run.
package validation

import (
	"net/http"
	"strconv"
	"unicode"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxHeaderValueLength bounds fingerprint and idempotency header values.
// Fingerprints become tracker keys, so unbounded values would let a client
// grow memory at will.
const MaxHeaderValueLength = 512

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// HeaderMiddleware rejects requests whose header values are too long or
// contain control characters. Absent headers pass.
func HeaderMiddleware(maxLen int, headers ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, h := range headers {
			v := c.GetHeader(h)
			if v == "" {
				continue
			}
			if len(v) > maxLen || !IsPrintable(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_header",
					"message": h + " must be printable and at most " + strconv.Itoa(maxLen) + " bytes",
					"field":   h,
				})
				return
			}
		}
		c.Next()
	}
}

// IsPrintable reports whether s contains no control characters.
func IsPrintable(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
