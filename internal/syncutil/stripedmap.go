package syncutil

import "sync"

// StripedMap is a string-keyed map split across lock-striped shards. Every
// operation on a key runs under that key's shard lock, so an Update is atomic
// with respect to all other operations on the same key while keys in other
// shards proceed in parallel. The zero value is ready to use.
//
// Callbacks run with the shard lock held and must not call back into the map.
type StripedMap[V any] struct {
	shards [shardCount]mapShard[V]
}

type mapShard[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

// NewStripedMap creates an empty striped map.
func NewStripedMap[V any]() *StripedMap[V] {
	return &StripedMap[V]{}
}

func (s *StripedMap[V]) shard(key string) *mapShard[V] {
	return &s.shards[shardIndex(key)]
}

// Update atomically replaces the value stored under key. fn receives the
// current value (zero value and false when absent) and returns the value to
// store; returning keep=false deletes the key instead.
func (s *StripedMap[V]) Update(key string, fn func(cur V, ok bool) (next V, keep bool)) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.m[key]
	next, keep := fn(cur, ok)
	if !keep {
		delete(sh.m, key)
		return
	}
	if sh.m == nil {
		sh.m = make(map[string]V)
	}
	sh.m[key] = next
}

// View runs fn against the value stored under key while holding the key's
// shard lock. Use it to read pointer values that Update mutates in place.
func (s *StripedMap[V]) View(key string, fn func(cur V, ok bool)) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.m[key]
	fn(cur, ok)
}

// Load returns the value stored under key.
func (s *StripedMap[V]) Load(key string) (V, bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := sh.m[key]
	return v, ok
}

// Delete removes key.
func (s *StripedMap[V]) Delete(key string) {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// Len returns the number of stored keys. The count is not a snapshot: shards
// are visited one at a time.
func (s *StripedMap[V]) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// Range calls fn for every entry, one shard at a time, until fn returns false.
func (s *StripedMap[V]) Range(fn func(key string, v V) bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if !fn(k, v) {
				sh.mu.Unlock()
				return
			}
		}
		sh.mu.Unlock()
	}
}

// Sweep deletes every entry for which remove returns true and reports how
// many were deleted. Each shard is locked only while it is being swept.
func (s *StripedMap[V]) Sweep(remove func(key string, v V) bool) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if remove(k, v) {
				delete(sh.m, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
