package cache

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"chitieu/internal/log"
)

func newTestCache(maxSize int, ttl time.Duration) (*LRUCache[string], *time.Time) {
	c := NewLRUCache[string](maxSize, ttl)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	return c, &clock
}

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(2, time.Minute)
	c.Set("g1", "a")
	c.Set("g2", "b")
	if _, ok := c.Get("g1"); !ok {
		t.Fatal("g1 should be cached")
	}
	c.Set("g3", "c")

	if _, ok := c.Get("g2"); ok {
		t.Fatal("g2 was least recently used and should be evicted")
	}
	for _, key := range []string{"g1", "g3"} {
		if _, ok := c.Get(key); !ok {
			t.Fatalf("%s should still be cached", key)
		}
	}
}

func TestLRUCacheExpiry(t *testing.T) {
	c, clock := newTestCache(10, time.Minute)
	c.Set("g1", "a")
	c.Set("g2", "b")

	*clock = clock.Add(30 * time.Second)
	c.Set("g2", "b2")
	*clock = clock.Add(31 * time.Second)

	if _, ok := c.Get("g1"); ok {
		t.Fatal("g1 should have expired")
	}
	if v, ok := c.Get("g2"); !ok || v != "b2" {
		t.Fatalf("g2 was refreshed, got %q %v", v, ok)
	}

	*clock = clock.Add(time.Minute)
	if removed := c.CleanExpired(); removed != 1 {
		t.Fatalf("expected 1 expired entry cleaned, got %d", removed)
	}
	if c.Size() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Size())
	}
}

func TestLRUCacheDeleteFunc(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	for _, key := range []string{"g1", "g1/u1", "g1/u2", "g10/u1", "g2/u1"} {
		c.Set(key, key)
	}

	removed := c.DeleteFunc(func(key string) bool {
		return key == "g1" || strings.HasPrefix(key, "g1/")
	})
	if removed != 3 {
		t.Fatalf("expected 3 entries removed, got %d", removed)
	}
	if _, ok := c.Get("g10/u1"); !ok {
		t.Fatal("g10 must not match the g1 prefix")
	}
}

func TestLRUCacheStats(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	c.Set("g1", "a")
	c.Get("g1")
	c.Get("g1")
	c.Get("g2")

	if got := c.Stats(); got.Hits != 2 || got.Misses != 1 || got.Size != 1 {
		t.Fatalf("unexpected stats %+v", got)
	}
}

func TestLRUCacheConcurrentAccess(t *testing.T) {
	c := NewLRUCache[int](50, time.Minute)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				key := fmt.Sprintf("g%d", (i+j)%80)
				c.Set(key, j)
				c.Get(key)
				if j%10 == 0 {
					c.Delete(key)
				}
			}
		}()
	}
	wg.Wait()

	if c.Size() > 50 {
		t.Fatalf("cache grew past its bound: %d", c.Size())
	}
}

func TestManager(t *testing.T) {
	c, clock := newTestCache(10, time.Minute)
	c.Set("g1", "a")
	*clock = clock.Add(2 * time.Minute)

	m := NewManager(log.Discard())
	m.Register("ledger", c)
	if got := m.CleanNow(); got != 1 {
		t.Fatalf("expected 1 entry cleaned, got %d", got)
	}

	m.StartCleanup(time.Millisecond)
	m.Stop()
	m.Stop()
}

func TestManagerStopWithoutStart(t *testing.T) {
	done := make(chan struct{})
	go func() {
		NewManager(log.Discard()).Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a manager that never started")
	}
}

func TestLRUCacheSetIfCurrent(t *testing.T) {
	tests := []struct {
		name       string
		invalidate func(c *LRUCache[string])
		wantStored bool
	}{
		{"untouched", func(*LRUCache[string]) {}, true},
		{"key deleted", func(c *LRUCache[string]) { c.Delete("2:g1/u1") }, false},
		{"prefix swept", func(c *LRUCache[string]) { c.DeleteFunc(func(string) bool { return false }) }, false},
		{"plain set", func(c *LRUCache[string]) { c.Set("2:g1/u1", "other") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCache(10, time.Minute)
			tok := c.Reserve("2:g1/u1")
			tt.invalidate(c)

			if stored := c.SetIfCurrent("2:g1/u1", "fresh", tok); stored != tt.wantStored {
				t.Fatalf("SetIfCurrent stored = %v, want %v", stored, tt.wantStored)
			}
			got, ok := c.Get("2:g1/u1")
			if tt.wantStored && (!ok || got != "fresh") {
				t.Fatalf("expected fresh value cached, got %q, %v", got, ok)
			}
			if !tt.wantStored && ok && got == "fresh" {
				t.Fatal("stale fill was cached")
			}
		})
	}
}

func TestLRUCacheTokenBoundToKey(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	tok := c.Reserve("a")
	for i := range 1000 {
		key := fmt.Sprintf("k%d", i)
		if c.slot(key) != c.slot("a") {
			if c.SetIfCurrent(key, "x", tok) {
				t.Fatalf("token for %q accepted for %q", "a", key)
			}
			return
		}
	}
	t.Fatal("no key on another slot")
}
