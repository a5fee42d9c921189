package ledger

import "time"

const (
	dedupCapacity = 1000
	dedupTTL      = 300 * time.Second
)

// dedupCache is a bounded, time-expiring set of processed fill
// references. Oldest entries are evicted on overflow; expired entries on
// every insert. Callers hold the ledger lock.
type dedupCache struct {
	entries map[string]time.Time
	order   []string
	cap     int
	ttl     time.Duration
}

func newDedupCache(capacity int, ttl time.Duration) *dedupCache {
	return &dedupCache{
		entries: make(map[string]time.Time, capacity),
		cap:     capacity,
		ttl:     ttl,
	}
}

// seen reports whether the key was already recorded and records it if
// not. Redelivered fills therefore return true exactly from the second
// call onward.
func (c *dedupCache) seen(key string, now time.Time) bool {
	c.sweep(now)
	if _, ok := c.entries[key]; ok {
		return true
	}
	if len(c.entries) >= c.cap {
		c.evictOldest()
	}
	c.entries[key] = now
	c.order = append(c.order, key)
	return false
}

func (c *dedupCache) sweep(now time.Time) {
	cutoff := now.Add(-c.ttl)
	i := 0
	for ; i < len(c.order); i++ {
		ts, ok := c.entries[c.order[i]]
		if ok && ts.After(cutoff) {
			break
		}
		delete(c.entries, c.order[i])
	}
	if i > 0 {
		c.order = c.order[i:]
	}
}

func (c *dedupCache) evictOldest() {
	for len(c.order) > 0 && len(c.entries) >= c.cap {
		key := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, key)
	}
}

func (c *dedupCache) size() int { return len(c.entries) }
