package dispatch

import (
	"encoding/json"
	"sync"
	"time"
)

// resultCache is a TTL cache of successful call payloads keyed by tool
// name plus canonical argument encoding. Expired entries are reaped
// lazily; when full after reaping, new entries are simply not stored.
// Error results never enter the cache.
type resultCache struct {
	ttl time.Duration
	max int

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	payload json.RawMessage
	expires time.Time
}

func newResultCache(ttl time.Duration, max int) *resultCache {
	return &resultCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]cacheEntry),
	}
}

// key builds the cache key. encoding/json sorts map keys, so equal
// argument maps always produce equal keys.
func (c *resultCache) key(tool string, args map[string]any) (string, bool) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", false
	}
	return tool + "\x00" + string(data), true
}

func (c *resultCache) get(tool string, args map[string]any) (json.RawMessage, bool) {
	k, ok := c.key(tool, args)
	if !ok {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, k)
		return nil, false
	}
	return e.payload, true
}

func (c *resultCache) put(tool string, args map[string]any, payload json.RawMessage) {
	k, ok := c.key(tool, args)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.max {
		c.reapLocked()
		if len(c.entries) >= c.max {
			return
		}
	}
	c.entries[k] = cacheEntry{
		payload: payload,
		expires: time.Now().Add(c.ttl),
	}
}

// reapLocked drops expired entries. Caller must hold c.mu.
func (c *resultCache) reapLocked() {
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}
