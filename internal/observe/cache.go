package observe

import "container/list"

// CacheStats counts rejection cache traffic since construction. A
// flush does not reset them; counters only grow.
type CacheStats struct {
	Hits          uint64
	Misses        uint64
	Inserts       uint64
	Invalidations uint64
}

type cacheEntry struct {
	key        string
	reason     RejectReason
	insertedAt uint64
}

// rejectionCache remembers admission rejections for a bounded time.
// Entries expire after ttl seconds; at capacity the oldest expired
// entry is evicted, or the least-recently-inserted when none expired.
type rejectionCache struct {
	ttl      uint64
	capacity int
	entries  map[string]*list.Element
	order    *list.List
	stats    CacheStats
}

func newRejectionCache(ttl uint64, capacity int) *rejectionCache {
	return &rejectionCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// lookup returns the cached rejection for key when still within TTL.
func (c *rejectionCache) lookup(key string, now uint64) (RejectReason, bool) {
	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return 0, false
	}
	e := el.Value.(*cacheEntry)
	if now-e.insertedAt > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		c.stats.Invalidations++
		c.stats.Misses++
		return 0, false
	}
	c.stats.Hits++
	return e.reason, true
}

func (c *rejectionCache) insert(key string, reason RejectReason, now uint64) {
	if c.capacity <= 0 {
		return
	}
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*cacheEntry)
		e.reason = reason
		e.insertedAt = now
		c.order.MoveToBack(el)
		return
	}
	if len(c.entries) >= c.capacity {
		c.evict(now)
	}
	el := c.order.PushBack(&cacheEntry{key: key, reason: reason, insertedAt: now})
	c.entries[key] = el
	c.stats.Inserts++
}

// evict removes the oldest expired entry, or the least-recently
// inserted one when nothing has expired. The list runs oldest first,
// so the first expired element found is also the oldest.
func (c *rejectionCache) evict(now uint64) {
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*cacheEntry)
		if now-e.insertedAt > c.ttl {
			c.order.Remove(el)
			delete(c.entries, e.key)
			c.stats.Invalidations++
			return
		}
	}
	if el := c.order.Front(); el != nil {
		e := el.Value.(*cacheEntry)
		c.order.Remove(el)
		delete(c.entries, e.key)
		c.stats.Invalidations++
	}
}

// flush drops every entry.
func (c *rejectionCache) flush() {
	c.stats.Invalidations += uint64(len(c.entries))
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

func (c *rejectionCache) len() int {
	return len(c.entries)
}
