package anomaly

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory anomaly score store for demo/development mode.
type MemoryStore struct {
	scores map[int64]*Score
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory anomaly score store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scores: make(map[int64]*Score)}
}

func (m *MemoryStore) Upsert(_ context.Context, s *Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.scores[s.NodeID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, nodeID int64) (*Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scores[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, anomalousOnly bool, limit int) ([]*Score, error) {
	m.mu.RLock()
	out := make([]*Score, 0, len(m.scores))
	for _, s := range m.scores {
		if anomalousOnly && !s.IsAnomalous {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AnomalyScore != out[j].AnomalyScore {
			return out[i].AnomalyScore > out[j].AnomalyScore
		}
		return out[i].NodeID < out[j].NodeID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
