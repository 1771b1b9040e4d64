package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "acct-1")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 64 {
		t.Fatalf("counter = %d, want 64", counter)
	}
}

func TestKeyedMutex_CancelWhileWaiting(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "acct-2")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "acct-2"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestKeyedMutex_ReleaseWakesWaiter(t *testing.T) {
	m := NewKeyedMutex()
	unlock, _ := m.Lock(context.Background(), "acct-3")

	acquired := make(chan struct{})
	go func() {
		u, err := m.Lock(context.Background(), "acct-3")
		if err == nil {
			u()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}

func TestKeyedMutex_UnlockIsIdempotent(t *testing.T) {
	m := NewKeyedMutex()
	unlock, _ := m.Lock(context.Background(), "acct-4")
	unlock()
	unlock()

	// A second release must not free a slot someone else now holds.
	held, ok := m.TryLock("acct-4")
	if !ok {
		t.Fatal("TryLock failed on a free key")
	}
	defer held()
	unlock()
	if _, ok := m.TryLock("acct-4"); ok {
		t.Fatal("stale unlock released another holder's lock")
	}
}

func TestKeyedMutex_TryLock(t *testing.T) {
	m := NewKeyedMutex()
	unlock, ok := m.TryLock("acct-5")
	if !ok {
		t.Fatal("expected TryLock to succeed")
	}
	if _, ok := m.TryLock("acct-5"); ok {
		t.Fatal("expected TryLock to fail while held")
	}
	unlock()
	if u, ok := m.TryLock("acct-5"); !ok {
		t.Fatal("expected TryLock to succeed after unlock")
	} else {
		u()
	}
}
