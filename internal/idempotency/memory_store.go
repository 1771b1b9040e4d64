package idempotency

import (
	"context"
	"time"

	"github.com/mulehunter/mulehunter/internal/syncutil"
)

// MemoryStore keeps idempotency keys in process memory. Expired entries are
// ignored on access and reclaimed by Sweep.
type MemoryStore struct {
	entries syncutil.StripedMap[Entry]
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates a store remembering keys for ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now}
}

// WithClock overrides the time source.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) expired(e Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) > m.ttl
}

func (m *MemoryStore) Begin(_ context.Context, key, transferID, requestHash string) (*Entry, bool, error) {
	now := m.now()
	var out Entry
	var created bool
	m.entries.Update(key, func(cur Entry, ok bool) (Entry, bool) {
		if ok && !m.expired(cur, now) {
			out = cur
			return cur, true
		}
		cur = Entry{
			Key:         key,
			TransferID:  transferID,
			RequestHash: requestHash,
			Stage:       StageStarted,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		out, created = cur, true
		return cur, true
	})
	return &out, created, nil
}

func (m *MemoryStore) Advance(_ context.Context, key string, stage Stage, legs Legs) error {
	now := m.now()
	found := false
	m.entries.Update(key, func(cur Entry, ok bool) (Entry, bool) {
		if !ok || m.expired(cur, now) {
			return cur, false
		}
		found = true
		cur.Stage = stage
		cur.Legs = legs
		cur.UpdatedAt = now
		return cur, true
	})
	if !found {
		return ErrNotFound
	}
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.entries.Delete(key)
	return nil
}

// Sweep removes expired entries and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	now := m.now()
	return m.entries.Sweep(func(_ string, e Entry) bool {
		return m.expired(e, now)
	})
}

// Len returns the number of remembered keys, expired or not.
func (m *MemoryStore) Len() int {
	return m.entries.Len()
}
