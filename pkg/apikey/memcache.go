package apikey

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// memoryEntry is one in-process cache slot. Entries are retained by the LRU
// for the full distributed TTL but are only served fresh within their own
// shorter TTL and matching epoch; retained-but-expired entries back the
// stale-read fallback when the authoritative store is down.
type memoryEntry struct {
	record     *AuthorizationRecord
	notFound   bool
	epoch      string
	insertedAt time.Time
	ttl        time.Duration
}

func (e *memoryEntry) fresh(epoch string, now time.Time) bool {
	return e.epoch == epoch && now.Sub(e.insertedAt) < e.ttl
}

// memoryCache is the in-process tier: a size-bounded LRU with lazy freshness
// checks, shared by all goroutines in the process.
type memoryCache struct {
	lru *expirable.LRU[string, *memoryEntry]
}

func newMemoryCache(size int, retention time.Duration) *memoryCache {
	if size <= 0 {
		size = 100000
	}
	return &memoryCache{
		lru: expirable.NewLRU[string, *memoryEntry](size, nil, retention),
	}
}

// get returns the entry for a key together with its freshness. A non-fresh
// entry is still returned so the caller can use it as a last-known value.
func (c *memoryCache) get(key, epoch string, now time.Time) (entry *memoryEntry, fresh bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return e, e.fresh(epoch, now)
}

func (c *memoryCache) put(key string, e *memoryEntry) {
	c.lru.Add(key, e)
}
