package retrieval

import (
	"sync"
	"time"
)

// TTLCache is a mutex-guarded map whose entries expire after a fixed TTL.
// Set overwrites. Expired entries are dropped on read and when the cache
// grows past its capacity.
type TTLCache[K comparable, V any] struct {
	mu       sync.Mutex
	entries  map[K]ttlEntry[V]
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTLCache creates a cache. capacity <= 0 means 1000 entries.
func NewTTLCache[K comparable, V any](ttl time.Duration, capacity int) *TTLCache[K, V] {
	if capacity <= 0 {
		capacity = 1000
	}
	return &TTLCache[K, V]{
		entries:  make(map[K]ttlEntry[V]),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
}

// Get returns the live value for key.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for the cache TTL.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evict(now)
	}
	c.entries[key] = ttlEntry[V]{value: value, expiresAt: now.Add(c.ttl)}
}

// Len returns the number of stored entries, expired ones included.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evict drops expired entries, then the one closest to expiry if still full.
func (c *TTLCache[K, V]) evict(now time.Time) {
	var (
		oldestKey K
		oldestAt  time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		if !found || e.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.expiresAt, true
		}
	}
	if len(c.entries) >= c.capacity && found {
		delete(c.entries, oldestKey)
	}
}
