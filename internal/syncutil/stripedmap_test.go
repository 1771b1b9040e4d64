package syncutil

import (
	"strconv"
	"sync"
	"testing"
)

func TestStripedMap_UpdateIsAtomicPerKey(t *testing.T) {
	m := NewStripedMap[int]()

	var wg sync.WaitGroup
	const n = 200
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			m.Update("counter", func(cur int, _ bool) (int, bool) {
				return cur + 1, true
			})
		}()
	}
	wg.Wait()

	got, ok := m.Load("counter")
	if !ok || got != n {
		t.Fatalf("expected %d, got %d (present=%v)", n, got, ok)
	}
}

func TestStripedMap_UpdateDeletesWhenNotKept(t *testing.T) {
	var m StripedMap[string]

	m.Update("k", func(string, bool) (string, bool) { return "v", true })
	if _, ok := m.Load("k"); !ok {
		t.Fatal("expected key to be stored")
	}

	m.Update("k", func(cur string, ok bool) (string, bool) {
		if !ok || cur != "v" {
			t.Errorf("expected current value v, got %q (ok=%v)", cur, ok)
		}
		return "", false
	})
	if _, ok := m.Load("k"); ok {
		t.Fatal("expected key to be deleted")
	}
}

func TestStripedMap_SweepAndLen(t *testing.T) {
	m := NewStripedMap[int]()
	for i := 0; i < 100; i++ {
		i := i
		m.Update(strconv.Itoa(i), func(int, bool) (int, bool) { return i, true })
	}
	if m.Len() != 100 {
		t.Fatalf("expected 100 entries, got %d", m.Len())
	}

	removed := m.Sweep(func(_ string, v int) bool { return v%2 == 0 })
	if removed != 50 {
		t.Fatalf("expected 50 removed, got %d", removed)
	}
	if m.Len() != 50 {
		t.Fatalf("expected 50 left, got %d", m.Len())
	}

	seen := 0
	m.Range(func(_ string, v int) bool {
		if v%2 == 0 {
			t.Errorf("even value %d survived sweep", v)
		}
		seen++
		return true
	})
	if seen != 50 {
		t.Fatalf("range visited %d entries, want 50", seen)
	}
}

func TestStripedMap_ViewSeesMutationsInPlace(t *testing.T) {
	type box struct{ n int }
	m := NewStripedMap[*box]()

	m.Update("b", func(cur *box, ok bool) (*box, bool) {
		if !ok {
			cur = &box{}
		}
		cur.n += 3
		return cur, true
	})

	m.View("b", func(cur *box, ok bool) {
		if !ok || cur.n != 3 {
			t.Fatalf("expected n=3, got %+v (ok=%v)", cur, ok)
		}
	})
	m.View("missing", func(cur *box, ok bool) {
		if ok || cur != nil {
			t.Fatal("expected missing key")
		}
	})
}
