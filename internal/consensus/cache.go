package consensus

import (
	"container/list"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// cacheKey identifies a fusion result by symbol, quantized reference
// price, and the exact provider set that contributed. Any change in the
// contributing set produces a different key.
type cacheKey string

// makeCacheKey quantizes the price into buckets of bucketPct so small
// ticks reuse the cached result while real moves miss.
func makeCacheKey(symbol string, price, bucketPct float64, providerIDs []string) cacheKey {
	// Logarithmic bucketing: prices within bucketPct of each other land in
	// the same bucket at any price level.
	bucket := int64(0)
	if bucketPct > 0 && price > 0 {
		bucket = int64(math.Floor(math.Log(price) / math.Log(1+bucketPct)))
	}

	ids := make([]string, len(providerIDs))
	copy(ids, providerIDs)
	sort.Strings(ids)

	return cacheKey(fmt.Sprintf("%s|%d|%s", symbol, bucket, strings.Join(ids, ",")))
}

type cacheEntry struct {
	key     cacheKey
	result  *Result
	expires time.Time
}

// lruCache is a bounded LRU with per-entry TTL. Reads of expired entries
// miss and evict.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recent
	items    map[cacheKey]*list.Element
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[cacheKey]*list.Element, capacity),
	}
}

func (c *lruCache) get(key cacheKey, now time.Time) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if now.After(entry.expires) {
		c.order.Remove(elem)
		delete(c.items, key)
		return nil, false
	}

	c.order.MoveToFront(elem)
	return entry.result, true
}

func (c *lruCache) put(key cacheKey, result *Result, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.result = result
		entry.expires = now.Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}

	elem := c.order.PushFront(&cacheEntry{key: key, result: result, expires: now.Add(c.ttl)})
	c.items[key] = elem
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
