// Package idgen mints prefixed identifiers and secrets.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Sortable returns prefix followed by a UUIDv7 in compact hex. Ids from this
// process sort in creation order, which keeps keyset pages stable when
// timestamps collide.
func Sortable(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + compact(id)
}

// Random returns prefix followed by a random UUIDv4 in compact hex.
func Random(prefix string) string {
	return prefix + compact(uuid.New())
}

// Secret returns n random bytes hex-encoded.
func Secret(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func compact(id uuid.UUID) string {
	return hex.EncodeToString(id[:])
}
