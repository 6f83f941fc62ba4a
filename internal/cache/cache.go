// Package cache provides a bounded key/value cache with per-entry TTL and
// insertion-order eviction. It is an explicit owned object passed by handle;
// there is no package-level instance.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// Cache is a bounded map with insertion-order eviction. TTL is checked at
// read time; expired entries count against capacity until evicted or read.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	index    map[string]int // key -> position in order
	order    []entry        // insertion order, oldest first
	now      func() time.Time
}

// New creates a cache holding at most capacity entries, each valid for ttl.
// A non-positive capacity defaults to 128.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 128
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		index:    make(map[string]int),
		now:      time.Now,
	}
}

// Get returns the value for key if present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.index[key]
	if !ok {
		return nil, false
	}
	e := c.order[pos]
	if c.now().After(e.expiresAt) {
		c.removeAt(pos)
		return nil, false
	}
	return e.value, true
}

// Has reports whether key is present and not expired.
func (c *Cache) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Set stores value under key, replacing any existing entry. When the cache
// is full the oldest entry is evicted.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pos, ok := c.index[key]; ok {
		c.removeAt(pos)
	}
	for len(c.order) >= c.capacity {
		c.removeAt(0)
	}
	c.index[key] = len(c.order)
	c.order = append(c.order, entry{key: key, value: value, expiresAt: c.now().Add(c.ttl)})
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pos, ok := c.index[key]; ok {
		c.removeAt(pos)
	}
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index = make(map[string]int)
	c.order = c.order[:0]
}

// Len returns the number of entries, including not-yet-evicted expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// removeAt deletes the entry at pos and reindexes the tail. Caller holds mu.
func (c *Cache) removeAt(pos int) {
	delete(c.index, c.order[pos].key)
	c.order = append(c.order[:pos], c.order[pos+1:]...)
	for i := pos; i < len(c.order); i++ {
		c.index[c.order[i].key] = i
	}
}
