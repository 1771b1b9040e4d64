// Package idempotency reserves client-supplied transfer keys so that a
// retried request never applies its ledger effects twice.
//
// A key moves through three stages:
//
//	started -> ledger_applied -> completed
//
// The stage tells a retry where to resume: a completed key replays the
// stored outcome, a key whose ledger legs already ran skips straight to
// persistence, and a key still in the started stage is reported as in
// progress.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// DefaultTTL is how long a key is remembered.
const DefaultTTL = 24 * time.Hour

// MaxKeyLength bounds client-supplied keys.
const MaxKeyLength = 255

var ErrNotFound = errors.New("idempotency: key not found")

type Stage string

const (
	StageStarted       Stage = "started"
	StageLedgerApplied Stage = "ledger_applied"
	StageCompleted     Stage = "completed"
)

// Legs records which ledger legs of a transfer have been applied.
type Legs struct {
	Outgoing bool `json:"outgoing"`
	Incoming bool `json:"incoming"`
}

// Entry is the state remembered for one idempotency key.
type Entry struct {
	Key         string    `json:"key"`
	TransferID  string    `json:"transferId"`
	RequestHash string    `json:"requestHash"`
	Stage       Stage     `json:"stage"`
	Legs        Legs      `json:"legs"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store reserves and tracks idempotency keys.
type Store interface {
	// Begin reserves key for transferID. When the key is new it returns the
	// fresh entry and true. When the key already exists it returns the
	// existing entry and false without modifying it.
	Begin(ctx context.Context, key, transferID, requestHash string) (*Entry, bool, error)
	// Advance moves key to stage and records the applied legs.
	Advance(ctx context.Context, key string, stage Stage, legs Legs) error
	// Release forgets key so the request can be retried from scratch.
	Release(ctx context.Context, key string) error
}

// ValidKey reports whether key is acceptable as a client idempotency key.
func ValidKey(key string) bool {
	if key == "" || len(key) > MaxKeyLength {
		return false
	}
	return strings.TrimSpace(key) == key
}

// HashRequest fingerprints the fields of a request so a key reused with a
// different payload can be detected.
func HashRequest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
