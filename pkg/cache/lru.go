// Package cache implements the bounded LRU block cache consulted on the
// SST read path, keyed by (file number, block offset).
package cache

import (
	"container/list"
	"fmt"
	"sync"
)

// Key identifies a cached data block within a specific SST file.
type Key struct {
	FileNum uint64
	Offset  int64
}

type entry struct {
	key     Key
	value   []byte
	element *list.Element
}

// BlockCache is a thread-safe, size-bounded LRU cache of decoded SST data
// blocks. Capacity is tracked in bytes rather than entry count, since
// blocks vary in size after compression.
type BlockCache struct {
	mu        sync.Mutex
	capacity  int64
	used      int64
	items     map[Key]*entry
	order     *list.List
	hits      uint64
	misses    uint64
	evictions uint64
}

// NewBlockCache creates a cache bounded to capacityBytes of block data. A
// capacity of 0 disables caching: every Get misses and Put is a no-op.
func NewBlockCache(capacityBytes int64) *BlockCache {
	return &BlockCache{
		capacity: capacityBytes,
		items:    make(map[Key]*entry),
		order:    list.New(),
	}
}

// Get returns the cached block for key, promoting it to most-recently-used.
func (c *BlockCache) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(e.element)
	c.hits++
	return e.value, true
}

// Put inserts or replaces the cached block for key, evicting the least
// recently used blocks until the cache fits within capacity.
func (c *BlockCache) Put(key Key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}

	if e, ok := c.items[key]; ok {
		c.used += int64(len(value)) - int64(len(e.value))
		e.value = value
		c.order.MoveToFront(e.element)
	} else {
		e := &entry{key: key, value: value}
		e.element = c.order.PushFront(e)
		c.items[key] = e
		c.used += int64(len(value))
	}

	for c.used > c.capacity && c.order.Len() > 0 {
		c.evictOldest()
	}
}

func (c *BlockCache) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	e := back.Value.(*entry)
	c.order.Remove(back)
	delete(c.items, e.key)
	c.used -= int64(len(e.value))
	c.evictions++
}

// Len returns the number of cached blocks.
func (c *BlockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats reports cache hit/miss/eviction counters, useful for the
// benchmark driver's summary output.
func (c *BlockCache) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total) * 100
	}

	return map[string]interface{}{
		"capacity_bytes": c.capacity,
		"used_bytes":     c.used,
		"blocks":         len(c.items),
		"hits":           c.hits,
		"misses":         c.misses,
		"evictions":      c.evictions,
		"hit_rate":       fmt.Sprintf("%.2f%%", hitRate),
	}
}

// Clear discards all cached blocks.
func (c *BlockCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[Key]*entry)
	c.order = list.New()
	c.used = 0
}
