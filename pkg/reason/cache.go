package reason

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// resultCache is the LRU + TTL cache of inference results.
type resultCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	list    *list.List
	items   map[string]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
}

type resultEntry struct {
	key       string
	result    *Result
	expiresAt time.Time
}

func newResultCache(maxSize int, ttl time.Duration) *resultCache {
	return &resultCache{
		maxSize: maxSize,
		ttl:     ttl,
		list:    list.New(),
		items:   make(map[string]*list.Element, maxSize),
	}
}

func (c *resultCache) get(key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	entry := elem.Value.(*resultEntry)
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.list.Remove(elem)
		delete(c.items, key)
		c.misses.Add(1)
		return nil, false
	}

	c.list.MoveToFront(elem)
	c.hits.Add(1)
	return entry.result, true
}

func (c *resultCache) put(key string, result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*resultEntry)
		entry.result = result
		if c.ttl > 0 {
			entry.expiresAt = time.Now().Add(c.ttl)
		}
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		oldest := c.list.Back()
		if oldest == nil {
			break
		}
		c.list.Remove(oldest)
		delete(c.items, oldest.Value.(*resultEntry).key)
	}

	entry := &resultEntry{key: key, result: result}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.items[key] = c.list.PushFront(entry)
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.items = make(map[string]*list.Element, c.maxSize)
}

func (c *resultCache) counters() (hits, misses uint64, size int) {
	c.mu.Lock()
	size = c.list.Len()
	c.mu.Unlock()
	return c.hits.Load(), c.misses.Load(), size
}
