package transfers

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory transfer log for demo/development mode.
type MemoryStore struct {
	outcomes map[string]*Outcome
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory transfer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{outcomes: make(map[string]*Outcome)}
}

func (m *MemoryStore) Append(_ context.Context, o *Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.outcomes[o.ID]; ok {
		return ErrDuplicate
	}
	cp := *o
	cp.Replayed = false
	m.outcomes[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.outcomes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Outcome, error) {
	m.mu.RLock()
	var out []*Outcome
	for _, o := range m.outcomes {
		if f.match(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkLegs(_ context.Context, id string, outgoing, incoming bool, at time.Time) (*Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.outcomes[id]
	if !ok {
		return nil, ErrNotFound
	}
	o.OutgoingApplied = o.OutgoingApplied || outgoing
	o.IncomingApplied = o.IncomingApplied || incoming
	if !o.LedgerConsistent && o.OutgoingApplied && o.IncomingApplied {
		o.LedgerConsistent = true
		t := at
		o.ReconciledAt = &t
	}
	cp := *o
	return &cp, nil
}
