package cache

import (
	"sync"
)

// simpleCache is a thread-safe cache with no eviction policy.
// It stores items indefinitely until explicitly deleted or cleared.
type simpleCache[V any] struct {
	mu      sync.RWMutex
	items   map[string]V
	stats   *Statistics
	evictFn EvictCallback[V]
}

// NewSimple creates a cache with no eviction policy.
func NewSimple[V any](opts ...Option[V]) Cache[V] {
	o := applyOptions(opts)
	return &simpleCache[V]{
		items:   make(map[string]V),
		stats:   NewStatistics(),
		evictFn: o.evictCallback,
	}
}

// Get retrieves a value by key.
func (c *simpleCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	value, exists := c.items[key]
	c.mu.RUnlock()

	if exists {
		c.stats.Hit()
	} else {
		c.stats.Miss()
	}
	return value, exists
}

// Set stores a value with the given key.
func (c *simpleCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	_, existed := c.items[key]
	c.items[key] = value
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	return !existed, nil
}

// SetIfAbsent stores a value only when the key is not already present.
func (c *simpleCache[V]) SetIfAbsent(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	if _, existed := c.items[key]; existed {
		c.mu.Unlock()
		c.stats.Hit()
		return false, nil
	}
	c.items[key] = value
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	return true, nil
}

// Delete removes an entry by key.
func (c *simpleCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	value, existed := c.items[key]
	if existed {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if existed {
		c.stats.Delete()
		c.stats.UpdateSize(int64(size))
		if c.evictFn != nil {
			c.evictFn(key, value)
		}
	}
	return existed, nil
}

// Clear removes all entries from the cache.
func (c *simpleCache[V]) Clear() error {
	c.mu.Lock()
	c.items = make(map[string]V)
	c.mu.Unlock()
	c.stats.UpdateSize(0)
	return nil
}

// Size returns the current number of entries.
func (c *simpleCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns all keys currently in the cache.
func (c *simpleCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	return keys
}

// Stats returns cache statistics.
func (c *simpleCache[V]) Stats() *Statistics {
	return c.stats
}

// Close is a no-op for the simple cache.
func (c *simpleCache[V]) Close() error {
	return nil
}
