package orchestration

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/callrelay/core"
)

const cacheShards = 16

// CacheEntry is a completed result stored under its fingerprint.
type CacheEntry struct {
	Fingerprint string
	Result      core.CallResult
	ExpiresAt   time.Time
}

// CacheStats provides cache performance metrics
type CacheStats struct {
	Size      int     `json:"size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// ResultCache is a TTL-bounded store of call results keyed by fingerprint.
//
// Entries live in independently locked shards, so operations on unrelated
// fingerprints never contend on a shared lock. The total entry count is
// capped; when a Put pushes it over the cap, the entries nearest expiry are
// evicted first. A background sweep removes expired entries.
type ResultCache struct {
	shards     [cacheShards]*cacheShard
	size       atomic.Int64
	maxEntries int

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	evicting  atomic.Bool

	now         func() time.Time
	stopCleanup chan struct{}
	stopOnce    sync.Once
	logger      core.Logger
}

type cacheShard struct {
	mu    sync.RWMutex
	items map[string]*CacheEntry
}

// NewResultCache creates a cache from the cache section of Config and starts
// its sweep goroutine when SweepInterval is positive. Call Stop to end it.
func NewResultCache(cfg core.CacheConfig) *ResultCache {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = core.DefaultCacheMaxEntries
	}
	c := &ResultCache{
		maxEntries:  maxEntries,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
		logger:      &core.NoOpLogger{},
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{items: make(map[string]*CacheEntry)}
	}

	if cfg.SweepInterval > 0 {
		go c.cleanupRoutine(cfg.SweepInterval)
	}
	return c
}

// SetLogger sets the logger provider
func (c *ResultCache) SetLogger(logger core.Logger) {
	if logger == nil {
		c.logger = &core.NoOpLogger{}
	} else {
		c.logger = logger
	}
}

// Get returns the live entry for fingerprint. Expired entries count as misses
// and are dropped on the spot.
func (c *ResultCache) Get(fingerprint string) (CacheEntry, bool) {
	shard := c.shard(fingerprint)
	now := c.now()

	shard.mu.RLock()
	entry, found := shard.items[fingerprint]
	if found && now.Before(entry.ExpiresAt) {
		e := *entry
		shard.mu.RUnlock()
		c.hits.Add(1)
		return e, true
	}
	shard.mu.RUnlock()

	c.misses.Add(1)
	if found {
		shard.mu.Lock()
		if cur, ok := shard.items[fingerprint]; ok && !now.Before(cur.ExpiresAt) {
			delete(shard.items, fingerprint)
			c.size.Add(-1)
			c.evictions.Add(1)
		}
		shard.mu.Unlock()
	}
	return CacheEntry{}, false
}

// Put stores result under fingerprint for ttl, replacing any previous entry.
func (c *ResultCache) Put(fingerprint string, result core.CallResult, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	shard := c.shard(fingerprint)

	shard.mu.Lock()
	if _, exists := shard.items[fingerprint]; !exists {
		c.size.Add(1)
	}
	shard.items[fingerprint] = &CacheEntry{
		Fingerprint: fingerprint,
		Result:      result,
		ExpiresAt:   c.now().Add(ttl),
	}
	shard.mu.Unlock()

	if int(c.size.Load()) > c.maxEntries {
		c.enforceCap()
	}
}

// Delete removes fingerprint if present.
func (c *ResultCache) Delete(fingerprint string) {
	shard := c.shard(fingerprint)
	shard.mu.Lock()
	if _, ok := shard.items[fingerprint]; ok {
		delete(shard.items, fingerprint)
		c.size.Add(-1)
	}
	shard.mu.Unlock()
}

// Clear removes all cached results
func (c *ResultCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		c.size.Add(-int64(len(shard.items)))
		shard.items = make(map[string]*CacheEntry)
		shard.mu.Unlock()
	}
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *ResultCache) Len() int {
	return int(c.size.Load())
}

// Stats returns cache statistics
func (c *ResultCache) Stats() CacheStats {
	stats := CacheStats{
		Size:      c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Stop stops the cleanup routine. Safe to call more than once.
func (c *ResultCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}

// Sweep removes expired entries, then enforces the size cap.
// It returns the number of entries removed.
func (c *ResultCache) Sweep() int {
	now := c.now()
	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.items {
			if !now.Before(entry.ExpiresAt) {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	c.size.Add(-int64(removed))
	c.evictions.Add(int64(removed))

	removed += c.enforceCap()
	return removed
}

func (c *ResultCache) cleanupRoutine(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.logger.Debug("Result cache swept", map[string]interface{}{
					"operation": "cache_sweep",
					"removed":   removed,
					"size":      c.Len(),
				})
			}
		case <-c.stopCleanup:
			return
		}
	}
}

type evictionCandidate struct {
	shard     *cacheShard
	key       string
	expiresAt time.Time
}

// enforceCap evicts the entries nearest expiry until the cache is back under
// its cap. Only one goroutine evicts at a time; shards are locked one by one.
func (c *ResultCache) enforceCap() int {
	evicted := 0
	for int(c.size.Load()) > c.maxEntries {
		if !c.evicting.CompareAndSwap(false, true) {
			return evicted
		}
		n := c.evictExcess()
		c.evicting.Store(false)
		if n == 0 {
			return evicted
		}
		evicted += n
	}
	return evicted
}

func (c *ResultCache) evictExcess() int {
	excess := int(c.size.Load()) - c.maxEntries
	if excess <= 0 {
		return 0
	}

	var candidates []evictionCandidate
	for _, shard := range c.shards {
		shard.mu.RLock()
		for key, entry := range shard.items {
			candidates = append(candidates, evictionCandidate{shard: shard, key: key, expiresAt: entry.ExpiresAt})
		}
		shard.mu.RUnlock()
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].expiresAt.Before(candidates[j].expiresAt)
	})
	if excess > len(candidates) {
		excess = len(candidates)
	}

	evicted := 0
	for _, cand := range candidates[:excess] {
		cand.shard.mu.Lock()
		// skip entries replaced since the scan
		if cur, ok := cand.shard.items[cand.key]; ok && cur.ExpiresAt.Equal(cand.expiresAt) {
			delete(cand.shard.items, cand.key)
			c.size.Add(-1)
			c.evictions.Add(1)
			evicted++
		}
		cand.shard.mu.Unlock()
	}
	return evicted
}

func (c *ResultCache) shard(key string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%cacheShards]
}
