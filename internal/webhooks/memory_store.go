package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used when no database is configured.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	return m.collect(func(*Subscription) bool { return true }), nil
}

func (m *MemoryStore) ListByEvent(_ context.Context, eventType EventType) ([]*Subscription, error) {
	return m.collect(func(s *Subscription) bool { return s.Active && s.Wants(eventType) }), nil
}

func (m *MemoryStore) collect(keep func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if keep(sub) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

func (m *MemoryStore) RecordDelivery(_ context.Context, id string, at time.Time, deliveryErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	if deliveryErr == "" {
		sub.LastSuccess = &at
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
		return nil
	}
	sub.LastError = deliveryErr
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
		sub.Active = false
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
