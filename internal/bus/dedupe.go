package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen message keys so webhook retries
// and client double-taps don't produce duplicate turns. Entries expire
// after a TTL; a hard cap bounds memory under key churn.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]time.Time
}

// NewDedupeCache creates a cache with the given TTL and max entries.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]time.Time),
	}
}

// IsDuplicate reports whether key was seen within the TTL, recording it
// either way.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if seen, ok := c.entries[key]; ok && now.Sub(seen) < c.ttl {
		return true
	}

	if len(c.entries) >= c.max {
		c.pruneLocked(now)
	}
	c.entries[key] = now
	return false
}

// pruneLocked drops expired entries, then evicts arbitrarily if still
// at the cap. Caller holds c.mu.
func (c *DedupeCache) pruneLocked(now time.Time) {
	for k, seen := range c.entries {
		if now.Sub(seen) >= c.ttl {
			delete(c.entries, k)
		}
	}
	for len(c.entries) >= c.max {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
}

// Len returns the number of tracked keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
