package accountrisk

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/mulehunter/mulehunter/internal/syncutil"
)

// MemoryStore is an in-memory account store for demo/development mode.
type MemoryStore struct {
	records syncutil.StripedMap[Record]
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Apply(_ context.Context, nodeID int64, d Delta) (*Record, error) {
	var out Record
	m.records.Update(key(nodeID), func(cur Record, ok bool) (Record, bool) {
		if !ok {
			at := d.At
			if at.IsZero() {
				at = time.Now()
			}
			cur = NewRecord(nodeID, at)
		}
		cur.Apply(d)
		out = cur
		return cur, true
	})
	return &out, nil
}

func (m *MemoryStore) Get(_ context.Context, nodeID int64) (*Record, error) {
	rec, ok := m.records.Load(key(nodeID))
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Record, error) {
	var all []*Record
	m.records.Range(func(_ string, r Record) bool {
		rec := r
		all = append(all, &rec)
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].RiskRatio != all[j].RiskRatio {
			return all[i].RiskRatio > all[j].RiskRatio
		}
		return all[i].NodeID < all[j].NodeID
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func key(nodeID int64) string {
	return strconv.FormatInt(nodeID, 10)
}
