package peergraph

import (
	"container/list"
	"sync"
	"time"
)

const (
	missCacheTTL      = time.Hour
	missCacheCapacity = 10000
)

// missCache is the 404 cache from spec.md §4.3: "get failures due to
// missing soul are cached (soul → timestamp) for 1 hour, with FIFO
// eviction at 10k entries." FIFO order is tracked by a doubly linked
// list of insertion order, independent of read access (this is FIFO
// eviction, not LRU).
type missCache struct {
	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

type missEntry struct {
	soul   string
	cached time.Time
}

func newMissCache() *missCache {
	return &missCache{
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Mark records soul as missing as of now.
func (c *missCache) Mark(soul string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[soul]; ok {
		el.Value.(*missEntry).cached = now
		return
	}
	el := c.order.PushBack(&missEntry{soul: soul, cached: now})
	c.entries[soul] = el

	for c.order.Len() > missCacheCapacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*missEntry).soul)
	}
}

// IsMissing reports whether soul was marked missing within the last hour.
func (c *missCache) IsMissing(soul string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[soul]
	if !ok {
		return false
	}
	entry := el.Value.(*missEntry)
	if now.Sub(entry.cached) > missCacheTTL {
		c.order.Remove(el)
		delete(c.entries, soul)
		return false
	}
	return true
}

// Forget clears a cached miss, used when a subsequent put succeeds for
// the same soul.
func (c *missCache) Forget(soul string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[soul]; ok {
		c.order.Remove(el)
		delete(c.entries, soul)
	}
}
