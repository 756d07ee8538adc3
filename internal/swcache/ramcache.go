package swcache

import (
	"strings"
	"sync"
)

// ramCache is an LRU mirror of generation entries kept in front of leveldb.
// Dropping an item from it never loses data; leveldb holds every entry.
type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.drop(it)
			n++
		}
	}
	return n
}

// Put stores ent under key. size is the encoded size used for the budget;
// entries larger than the whole budget are not mirrored.
func (c *ramCache) Put(key string, ent CacheEntry, size int64, overflowLog *rateLimitedLogger) {
	if c.maxBytes > 0 && size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = size
		c.total += size
		c.moveToFront(it)
		return
	}

	evicted := 0
	for c.maxBytes > 0 && c.total+size > c.maxBytes && c.tail != nil {
		c.drop(c.tail)
		evicted++
	}
	if evicted > 0 && overflowLog != nil {
		overflowLog.Printf("ram mirror full, dropped %d entries", evicted)
	}

	it := &ramItem{key: key, ent: ent, size: size}
	c.items[key] = it
	c.addToFront(it)
	c.total += size
}

func (c *ramCache) drop(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
