package session

import (
	"container/list"
	"sync"
	"time"
)

// lruEntry is one cache slot.
type lruEntry struct {
	key     string
	value   any
	touched time.Time
}

// lruCache is a mutex-guarded LRU with optional TTL. Kept private; the
// exported caches wrap it with typed accessors. No LRU library is used
// anywhere in this codebase's reference stack, so this stays hand-rolled on
// container/list.
type lruCache struct {
	mu    sync.Mutex
	size  int
	ttl   time.Duration
	order *list.List
	items map[string]*list.Element
}

func newLRUCache(size int, ttl time.Duration) *lruCache {
	return &lruCache{
		size:  size,
		ttl:   ttl,
		order: list.New(),
		items: make(map[string]*list.Element, size),
	}
}

func (c *lruCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*lruEntry)
	if c.ttl > 0 && time.Since(entry.touched) > c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.value, true
}

func (c *lruCache) put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.value = value
		entry.touched = time.Now()
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&lruEntry{key: key, value: value, touched: time.Now()})
	c.items[key] = el

	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
