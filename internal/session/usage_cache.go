// Package session holds the two cross-request caches: the last observed
// token usage per session and the session→project binding.
//
// DESIGN: Both caches are size-bounded LRUs because staleness is harmless
// here — a miss simply re-derives the answer. Absence of a usage entry is a
// valid state meaning "no prior usage for this session".
package session

import (
	"time"
)

// Usage is the last known token usage for a session. Written once per
// response, read at the start of the next request in the same session.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// UsageCache maps session id → last Usage with LRU eviction and TTL expiry.
type UsageCache struct {
	cache *lruCache
}

// NewUsageCache creates a bounded usage cache.
func NewUsageCache(size int, ttl time.Duration) *UsageCache {
	return &UsageCache{cache: newLRUCache(size, ttl)}
}

// Get returns the last usage for a session, if any.
func (c *UsageCache) Get(sessionID string) (Usage, bool) {
	if sessionID == "" {
		return Usage{}, false
	}
	v, ok := c.cache.get(sessionID)
	if !ok {
		return Usage{}, false
	}
	return v.(Usage), true
}

// Put records the usage observed at the end of a response.
func (c *UsageCache) Put(sessionID string, u Usage) {
	if sessionID == "" {
		return
	}
	c.cache.put(sessionID, u)
}

// Len reports the current entry count.
func (c *UsageCache) Len() int {
	return c.cache.len()
}
