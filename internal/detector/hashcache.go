package detector

import (
	"sync"
	"sync/atomic"
)

// hashCache is a bounded LRU of content hashes keyed by path. Each entry
// carries the metadata key that produced it; a lookup whose metadata key
// differs is a miss, so stale hashes never leak into fresh observations.
type hashCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*cacheNode
	head     *cacheNode
	tail     *cacheNode

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type cacheNode struct {
	path    string
	metaKey string
	sum     []byte
	prev    *cacheNode
	next    *cacheNode
}

func newHashCache(capacity int) *hashCache {
	c := &hashCache{
		capacity: capacity,
		entries:  make(map[string]*cacheNode),
		head:     &cacheNode{},
		tail:     &cacheNode{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head

	return c
}

func (c *hashCache) get(path, metaKey string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.entries[path]
	if !ok || n.metaKey != metaKey {
		c.misses.Add(1)

		return nil, false
	}

	c.moveToFront(n)
	c.hits.Add(1)

	return n.sum, true
}

func (c *hashCache) put(path, metaKey string, sum []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.entries[path]; ok {
		n.metaKey = metaKey
		n.sum = sum
		c.moveToFront(n)

		return
	}

	n := &cacheNode{path: path, metaKey: metaKey, sum: sum}
	c.entries[path] = n
	c.pushFront(n)

	if len(c.entries) > c.capacity {
		oldest := c.tail.prev
		c.unlink(oldest)
		delete(c.entries, oldest.path)
		c.evictions.Add(1)
	}
}

func (c *hashCache) remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.entries[path]; ok {
		c.unlink(n)
		delete(c.entries, path)
	}
}

func (c *hashCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (c *hashCache) counters() (hits, misses, evictions uint64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

func (c *hashCache) pushFront(n *cacheNode) {
	n.prev = c.head
	n.next = c.head.next
	c.head.next.prev = n
	c.head.next = n
}

func (c *hashCache) moveToFront(n *cacheNode) {
	c.unlink(n)
	c.pushFront(n)
}

func (c *hashCache) unlink(n *cacheNode) {
	n.prev.next = n.next
	n.next.prev = n.prev
}
