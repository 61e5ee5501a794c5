package orchestration

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/itsneelabh/callrelay/core"
)

// newTestCache returns a cache without a sweeper and a controllable clock.
func newTestCache(maxEntries int) (*ResultCache, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := NewResultCache(core.CacheConfig{Enabled: true, MaxEntries: maxEntries})
	c.now = clock.Now
	return c, clock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func okResult(name string) core.CallResult {
	return core.CallResult{Name: name, Success: true, Content: []byte(`{"ok":true}`)}
}

func TestResultCache_GetPut(t *testing.T) {
	c, _ := newTestCache(10)
	defer c.Stop()

	c.Put("fp-1", okResult("read_file"), time.Minute)

	entry, ok := c.Get("fp-1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if entry.Result.Name != "read_file" || entry.Fingerprint != "fp-1" {
		t.Errorf("unexpected entry %+v", entry)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for unknown fingerprint")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %v", stats.HitRate)
	}
}

func TestResultCache_Expiry(t *testing.T) {
	c, clock := newTestCache(10)
	defer c.Stop()

	c.Put("fp", okResult("search_notes"), 5*time.Minute)

	clock.Advance(4*time.Minute + 59*time.Second)
	if _, ok := c.Get("fp"); !ok {
		t.Fatal("entry should be live before TTL")
	}

	clock.Advance(2 * time.Second)
	if _, ok := c.Get("fp"); ok {
		t.Fatal("entry should be expired after TTL")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be dropped on read, len=%d", c.Len())
	}
}

func TestResultCache_NonPositiveTTLIgnored(t *testing.T) {
	c, _ := newTestCache(10)
	defer c.Stop()

	c.Put("fp", okResult("x"), 0)
	if c.Len() != 0 {
		t.Error("zero TTL should not store")
	}
}

func TestResultCache_ReplaceKeepsSize(t *testing.T) {
	c, _ := newTestCache(10)
	defer c.Stop()

	c.Put("fp", okResult("a"), time.Minute)
	c.Put("fp", okResult("b"), time.Minute)
	if c.Len() != 1 {
		t.Errorf("expected size 1, got %d", c.Len())
	}
	entry, _ := c.Get("fp")
	if entry.Result.Name != "b" {
		t.Errorf("expected latest value, got %s", entry.Result.Name)
	}
}

func TestResultCache_CapEvictsNearestExpiry(t *testing.T) {
	c, _ := newTestCache(3)
	defer c.Stop()

	c.Put("short", okResult("short"), 1*time.Minute)
	c.Put("long-1", okResult("long-1"), 10*time.Minute)
	c.Put("long-2", okResult("long-2"), 10*time.Minute)
	c.Put("long-3", okResult("long-3"), 10*time.Minute)

	if c.Len() != 3 {
		t.Fatalf("expected cap of 3, got %d", c.Len())
	}
	if _, ok := c.Get("short"); ok {
		t.Error("entry nearest expiry should have been evicted")
	}
	for _, key := range []string{"long-1", "long-2", "long-3"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("expected %s to survive eviction", key)
		}
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", c.Stats().Evictions)
	}
}

func TestResultCache_Sweep(t *testing.T) {
	c, clock := newTestCache(100)
	defer c.Stop()

	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("short-%d", i), okResult("x"), time.Second)
	}
	c.Put("long", okResult("x"), time.Hour)

	clock.Advance(2 * time.Second)
	if removed := c.Sweep(); removed != 5 {
		t.Errorf("expected 5 removed, got %d", removed)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry left, got %d", c.Len())
	}
}

func TestResultCache_DeleteAndClear(t *testing.T) {
	c, _ := newTestCache(10)
	defer c.Stop()

	c.Put("a", okResult("a"), time.Minute)
	c.Put("b", okResult("b"), time.Minute)

	c.Delete("a")
	c.Delete("a")
	if c.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", c.Len())
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d", c.Len())
	}
}

func TestResultCache_BackgroundSweep(t *testing.T) {
	c := NewResultCache(core.CacheConfig{Enabled: true, MaxEntries: 10, SweepInterval: 10 * time.Millisecond})
	defer c.Stop()

	c.Put("fp", okResult("x"), 20*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Len() != 0 {
		t.Error("background sweep should remove expired entries")
	}
}

func TestResultCache_StopIsIdempotent(t *testing.T) {
	c := NewResultCache(core.CacheConfig{Enabled: true, SweepInterval: time.Millisecond})
	c.Stop()
	c.Stop()
}

func TestResultCache_ConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(50)
	defer c.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("fp-%d-%d", g, i%40)
				c.Put(key, okResult(key), time.Minute)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > 50 {
		t.Errorf("cache exceeded its cap: %d", c.Len())
	}
}
