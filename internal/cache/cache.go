// Package cache provides the query result cache: LRU bounded, TTL
// expired, invalidated per knowledge base on writes.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity bounds the cache when unconfigured.
const DefaultCapacity = 1000

// DefaultTTL is the entry lifetime when unconfigured.
const DefaultTTL = time.Hour

// Key identifies one cached query. Two requests hit the same entry
// only when every ranking-relevant parameter matches.
type Key struct {
	// KBID is the knowledge base searched.
	KBID string

	// Query is the normalized query text.
	Query string

	// TopK is the requested result count.
	TopK int

	// Rewritten records whether query rewriting was enabled; rewritten
	// and unrewritten runs of the same query rank differently.
	Rewritten bool
}

// hash returns the storage key.
func (k Key) hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%t", k.KBID, k.Query, k.TopK, k.Rewritten)
	return hex.EncodeToString(h.Sum(nil))
}

type entry[V any] struct {
	value     V
	kbID      string
	expiresAt time.Time
}

// Cache is a thread-safe LRU result cache with per-entry TTL. Expiry
// is lazy: entries die on the read that finds them stale, not on a
// background sweep.
type Cache[V any] struct {
	mu       sync.Mutex
	lru      *lru.Cache[string, entry[V]]
	ttl      time.Duration
	capacity int

	// now is swappable for tests.
	now func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Stats describes cache effectiveness.
type Stats struct {
	Size      int
	Capacity  int
	Hits      int64
	Misses    int64
	Evictions int64
}

// New creates a cache with the given capacity and TTL.
func New[V any](capacity int, ttl time.Duration) (*Cache[V], error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &Cache[V]{ttl: ttl, now: time.Now, capacity: capacity}
	inner, err := lru.NewWithEvict[string, entry[V]](capacity, func(string, entry[V]) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

// Get returns the cached value for the key, if present and fresh.
func (c *Cache[V]) Get(key Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Get(key.hash())
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		c.lru.Remove(key.hash())
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Put stores a value under the key with a fresh TTL.
func (c *Cache[V]) Put(key Key, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key.hash(), entry[V]{
		value:     value,
		kbID:      key.KBID,
		expiresAt: c.now().Add(c.ttl),
	})
}

// InvalidateKB drops every entry belonging to the knowledge base.
// Invalidation is coarse: any write to a knowledge base clears all of
// its cached queries, trading hit rate for simplicity.
func (c *Cache[V]) InvalidateKB(kbID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, h := range c.lru.Keys() {
		if e, ok := c.lru.Peek(h); ok && e.kbID == kbID {
			c.lru.Remove(h)
			removed++
		}
	}
	return removed
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Stats returns cache effectiveness counters. Evictions counts every
// removal: capacity pressure, TTL expiry, and invalidation alike.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	size := c.lru.Len()
	capacity := c.capacity
	c.mu.Unlock()

	return Stats{
		Size:      size,
		Capacity:  capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
