package dictionary

import (
	"container/list"
	"sync"
	"time"
)

// cache is a thread-safe LRU cache with TTL, grounded on
// pkg/rpcproxy/cache.go. Dictionary responses are cached briefly to
// absorb scheduler re-queries within the same scan cycle.
type cache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	order   *list.List
}

type cacheEntry struct {
	key       string
	value     interface{}
	expiresAt time.Time
}

func newCache(maxSize int, ttl time.Duration) *cache {
	return &cache{maxSize: maxSize, ttl: ttl, items: make(map[string]*list.Element), order: list.New()}
}

func (c *cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.value, true
}

func (c *cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		delete(c.items, oldest.Value.(*cacheEntry).key)
		c.order.Remove(oldest)
	}

	entry := &cacheEntry{key: key, value: value, expiresAt: time.Now().Add(c.ttl)}
	c.items[key] = c.order.PushFront(entry)
}
