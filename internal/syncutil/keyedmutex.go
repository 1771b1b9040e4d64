package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per string key with cancellable acquisition.
// Keys are hashed onto a fixed set of slots, so unrelated keys occasionally
// contend but memory stays constant. Use NewKeyedMutex; the zero value is
// not usable.
type KeyedMutex struct {
	slots [shardCount]chan struct{}
}

func NewKeyedMutex() *KeyedMutex {
	m := new(KeyedMutex)
	for i := range m.slots {
		m.slots[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock blocks until the slot for key is free or ctx is done. The returned
// unlock is idempotent.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (unlock func(), err error) {
	slot := m.slots[shardIndex(key)]
	select {
	case slot <- struct{}{}:
		return release(slot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock takes the slot for key only if it is free right now.
func (m *KeyedMutex) TryLock(key string) (unlock func(), ok bool) {
	slot := m.slots[shardIndex(key)]
	select {
	case slot <- struct{}{}:
		return release(slot), true
	default:
		return nil, false
	}
}

func release(slot chan struct{}) func() {
	return sync.OnceFunc(func() { <-slot })
}
