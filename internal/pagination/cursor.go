// Package pagination provides keyset pagination over (created_at, id) in
// newest-first order.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the (created_at, id) of the last row of a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque, query-safe cursor for a row.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor produced by Encode. Empty input means the first page
// and returns nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanosPart, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(nanosPart, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// Precedes reports whether a row with the given key belongs on a later page
// than the cursor: strictly older, with ties on created_at broken by id. It
// matches the SQL predicate (created_at, id) < (cursor.created_at, cursor.id).
func (c *Cursor) Precedes(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.Before(c.CreatedAt)
	}
	return id < c.ID
}

// ComputePage trims items fetched with limit+1 to limit and returns the
// cursor for the next page when more rows exist.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}

// Limit parses a page-size query value, falling back to def when the value
// is missing or malformed and clamping to [1, max].
func Limit(raw string, def, max int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		n = def
	}
	if n > max {
		n = max
	}
	return n
}
