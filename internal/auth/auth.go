// Package auth guards internal endpoints with a shared API key.
//
// Authentication model:
//   - Transfer submission and read endpoints are open to the calling service
//   - Batch ingestion and admin routes require the internal API key
//   - Without a configured key (development), every request is allowed
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Authenticator checks presented keys against the internal API key. Only the
// SHA256 hash of the key is kept in memory.
type Authenticator struct {
	hash    [sha256.Size]byte
	enabled bool
}

// NewAuthenticator creates an authenticator for key. An empty key disables
// the check.
func NewAuthenticator(key string) *Authenticator {
	if key == "" {
		return &Authenticator{}
	}
	return &Authenticator{hash: sha256.Sum256([]byte(key)), enabled: true}
}

// Enabled reports whether a key is configured.
func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// Check validates a raw key. Comparison runs in constant time.
func (a *Authenticator) Check(raw string) error {
	if !a.enabled {
		return nil
	}
	if raw == "" {
		return ErrNoAPIKey
	}
	got := sha256.Sum256([]byte(raw))
	if subtle.ConstantTimeCompare(got[:], a.hash[:]) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}

// extractKey reads the key from "Authorization: Bearer <key>" or X-API-Key.
func extractKey(authorization, apiKeyHeader string) string {
	if authorization != "" {
		if after, ok := strings.CutPrefix(authorization, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return strings.TrimSpace(authorization)
	}
	return strings.TrimSpace(apiKeyHeader)
}
