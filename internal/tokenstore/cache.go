package tokenstore

import (
	"sync"
	"time"
)

type cacheEntry struct {
	record    *Record
	expiresAt time.Time
}

// ttlCache is the process-local L1 layer. Its TTL is a staleness bound
// independent of each record's own expiry, so reads stay fast without
// serving indefinitely stale data after out-of-band deletions.
type ttlCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]cacheEntry
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{
		ttl:   ttl,
		items: make(map[string]cacheEntry),
	}
}

func (c *ttlCache) get(key string) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.items[key]
	if !exists || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.record, true
}

func (c *ttlCache) set(key string, rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = cacheEntry{record: rec, expiresAt: time.Now().Add(c.ttl)}
}

func (c *ttlCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

// deleteWhere removes every entry whose record matches the predicate.
func (c *ttlCache) deleteWhere(match func(*Record) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.items {
		if match(entry.record) {
			delete(c.items, key)
		}
	}
}
