package risk

import (
	"container/list"
	"sync"
	"time"
)

// VolCache is a bounded TTL cache of per-symbol realized volatility, fed
// by the regime classifier each cycle and read by the position sizer.
type VolCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[string]*list.Element
	now      func() time.Time
}

type volEntry struct {
	symbol  string
	vol     float64
	expires time.Time
}

// NewVolCache creates a volatility cache with the given bound and TTL.
func NewVolCache(capacity int, ttl time.Duration) *VolCache {
	if capacity <= 0 {
		capacity = 64
	}
	return &VolCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

// Put records the latest volatility reading for a symbol.
func (c *VolCache) Put(symbol string, vol float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[symbol]; ok {
		entry := elem.Value.(*volEntry)
		entry.vol = vol
		entry.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*volEntry).symbol)
		}
	}

	elem := c.order.PushFront(&volEntry{symbol: symbol, vol: vol, expires: c.now().Add(c.ttl)})
	c.items[symbol] = elem
}

// Get returns the cached volatility, or false when unknown or expired.
func (c *VolCache) Get(symbol string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[symbol]
	if !ok {
		return 0, false
	}
	entry := elem.Value.(*volEntry)
	if c.now().After(entry.expires) {
		c.order.Remove(elem)
		delete(c.items, symbol)
		return 0, false
	}
	c.order.MoveToFront(elem)
	return entry.vol, true
}
