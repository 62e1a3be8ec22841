package rag

import (
	"sync"
	"time"

	"github.com/codeready-toolchain/quorum/pkg/clock"
)

type cacheEntry struct {
	chunks    []Chunk
	fetchedAt time.Time
}

// Cache is a thread-safe query-result cache with TTL expiration, keyed by
// (run_id, query_hash). Expired entries are cleaned up lazily on Get,
// with no background goroutine. Hit/miss counters back the injector's
// hit-rate stats.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	clk     clock.Clock

	hits   int64
	misses int64
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration, clk clock.Clock) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		clk:     clk,
	}
}

func cacheKey(runID, queryHash string) string { return runID + ":" + queryHash }

// Get returns cached chunks if present and not expired.
func (c *Cache) Get(runID, queryHash string) ([]Chunk, bool) {
	key := cacheKey(runID, queryHash)
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.miss()
		return nil, false
	}
	if c.clk.Now().Sub(entry.fetchedAt) > c.ttl {
		// Expired, clean up lazily. Re-check under write lock: a
		// concurrent Set may have replaced the entry with a fresh one.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && c.clk.Now().Sub(current.fetchedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		c.miss()
		return nil, false
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return entry.chunks, true
}

// Set stores chunks with the current timestamp.
func (c *Cache) Set(runID, queryHash string, chunks []Chunk) {
	c.mu.Lock()
	c.entries[cacheKey(runID, queryHash)] = &cacheEntry{
		chunks:    chunks,
		fetchedAt: c.clk.Now(),
	}
	c.mu.Unlock()
}

// PurgeRun drops every entry belonging to a run. The injector outlives
// individual runs, so the runner calls this when a run deregisters to
// keep the cache bounded by the set of live runs.
func (c *Cache) PurgeRun(runID string) int {
	prefix := runID + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

func (c *Cache) miss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// HitRate returns the fraction of Gets served from cache, and the total
// number of lookups.
func (c *Cache) HitRate() (float64, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0, 0
	}
	return float64(c.hits) / float64(total), total
}
