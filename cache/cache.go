// Package cache implements the bounded tile store of a tile layer.
package cache

import (
	"container/list"
	"sync"

	"github.com/atlasdatatech/tilelayer/tile"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 64

type entry struct {
	key    string
	tile   *tile.Tile
	pinned bool
}

// Cache is an LRU store of tiles keyed by their hash. Pinned entries are
// never evicted, so the capacity is a soft bound: when every entry over
// the limit is pinned the cache stays larger than its capacity.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	lruList  *list.List
	onEvict  func(*tile.Tile)
}

// New creates a cache holding up to capacity unpinned tiles.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// OnEvict registers a hook called for every tile dropped by a purge.
func (c *Cache) OnEvict(fn func(*tile.Tile)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// Get returns the tile stored under key and marks it most recently used.
func (c *Cache) Get(key string) (*tile.Tile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.lruList.MoveToFront(elem)
	return elem.Value.(*entry).tile, true
}

// Peek returns the tile stored under key without touching its recency.
func (c *Cache) Peek(key string) (*tile.Tile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*entry).tile, true
}

// Add inserts t as the most recently used entry and evicts least recently
// used unpinned entries while the cache is over capacity.
func (c *Cache) Add(t *tile.Tile) {
	c.Put(t)
	c.Purge()
}

// Put inserts t without purging. A previous entry with the same key is
// replaced; its pin is carried over.
func (c *Cache) Put(t *tile.Tile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := t.Hash()
	if elem, ok := c.items[key]; ok {
		elem.Value.(*entry).tile = t
		c.lruList.MoveToFront(elem)
		return
	}
	c.items[key] = c.lruList.PushFront(&entry{key: key, tile: t})
}

// Purge evicts least recently used unpinned tiles until the cache fits its
// capacity or only pinned tiles remain. It returns the evicted tiles.
func (c *Cache) Purge() []*tile.Tile {
	c.mu.Lock()
	evicted := c.purgeLocked()
	hook := c.onEvict
	c.mu.Unlock()

	if hook != nil {
		for _, t := range evicted {
			hook(t)
		}
	}
	return evicted
}

func (c *Cache) purgeLocked() []*tile.Tile {
	var evicted []*tile.Tile
	elem := c.lruList.Back()
	for c.lruList.Len() > c.capacity && elem != nil {
		prev := elem.Prev()
		ent := elem.Value.(*entry)
		if !ent.pinned {
			c.lruList.Remove(elem)
			delete(c.items, ent.key)
			evicted = append(evicted, ent.tile)
		}
		elem = prev
	}
	return evicted
}

// Remove drops key from the cache, pinned or not.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.lruList.Remove(elem)
	delete(c.items, key)
	return true
}

// Pin protects key from eviction. It reports whether key is cached.
func (c *Cache) Pin(key string) bool {
	return c.setPinned(key, true)
}

// Unpin makes key evictable again.
func (c *Cache) Unpin(key string) bool {
	return c.setPinned(key, false)
}

func (c *Cache) setPinned(key string, pinned bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	elem.Value.(*entry).pinned = pinned
	return true
}

// Pinned reports whether key is cached and pinned.
func (c *Cache) Pinned(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	return ok && elem.Value.(*entry).pinned
}

// Len returns the number of cached tiles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Capacity returns the eviction threshold.
func (c *Cache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// SetCapacity changes the eviction threshold, purging when it shrinks.
func (c *Cache) SetCapacity(n int) []*tile.Tile {
	if n <= 0 {
		n = DefaultCapacity
	}
	c.mu.Lock()
	c.capacity = n
	c.mu.Unlock()
	return c.Purge()
}

// Keys returns the cached keys, most recently used first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.lruList.Len())
	for elem := c.lruList.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry).key)
	}
	return keys
}

// Clear removes every entry, pins included.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.lruList = list.New()
}
