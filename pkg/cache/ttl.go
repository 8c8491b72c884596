package cache

import (
	"context"
	"sync"
	"time"
)

// ttlEntry represents an entry in the TTL cache.
type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *ttlEntry[V]) isExpired() bool {
	return time.Now().After(e.expiresAt)
}

// ttlCache is a thread-safe time-to-live cache. Expired items are evicted
// lazily on Get and periodically by a background janitor goroutine.
type ttlCache[V any] struct {
	mu              sync.RWMutex
	ttl             time.Duration
	cleanupInterval time.Duration
	items           map[string]*ttlEntry[V]
	stats           *Statistics
	evictFn         EvictCallback[V]

	shutdown  chan struct{}
	closeOnce sync.Once
}

// NewTTL creates a TTL cache. The janitor goroutine runs until the context
// is cancelled or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, opts ...Option[V]) Cache[V] {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl / 10
	}
	o := applyOptions(opts)
	c := &ttlCache[V]{
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		items:           make(map[string]*ttlEntry[V]),
		stats:           NewStatistics(),
		evictFn:         o.evictCallback,
		shutdown:        make(chan struct{}),
	}
	go c.janitor(ctx)
	return c
}

// Get retrieves a value by key, checking for expiration.
func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		var zero V
		c.stats.Miss()
		return zero, false
	}

	if entry.isExpired() {
		c.mu.Lock()
		// Re-check under the write lock: a concurrent Set may have
		// replaced the entry with a fresh one.
		if current, still := c.items[key]; still && current.isExpired() {
			delete(c.items, key)
			c.stats.Eviction()
			c.stats.UpdateSize(int64(len(c.items)))
			if c.evictFn != nil {
				defer c.evictFn(key, current.value)
			}
		}
		c.mu.Unlock()

		var zero V
		c.stats.Miss()
		return zero, false
	}

	c.stats.Hit()
	return entry.value, true
}

// Set stores a value with the configured TTL.
func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	entry := &ttlEntry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}

	c.mu.Lock()
	_, existed := c.items[key]
	c.items[key] = entry
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	return !existed, nil
}

// SetIfAbsent stores a value only when the key is absent or expired.
func (c *ttlCache[V]) SetIfAbsent(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	if existing, ok := c.items[key]; ok && !existing.isExpired() {
		c.mu.Unlock()
		c.stats.Hit()
		return false, nil
	}
	c.items[key] = &ttlEntry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	return true, nil
}

// Delete removes an entry by key.
func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	entry, existed := c.items[key]
	if existed {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if existed {
		c.stats.Delete()
		c.stats.UpdateSize(int64(size))
		if c.evictFn != nil {
			c.evictFn(key, entry.value)
		}
	}
	return existed, nil
}

// Clear removes all entries from the cache.
func (c *ttlCache[V]) Clear() error {
	c.mu.Lock()
	c.items = make(map[string]*ttlEntry[V])
	c.mu.Unlock()
	c.stats.UpdateSize(0)
	return nil
}

// Size returns the current number of entries, including not-yet-collected
// expired ones.
func (c *ttlCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns all unexpired keys.
func (c *ttlCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.items))
	for k, e := range c.items {
		if !e.isExpired() {
			keys = append(keys, k)
		}
	}
	return keys
}

// Stats returns cache statistics.
func (c *ttlCache[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the janitor goroutine.
func (c *ttlCache[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })
	return nil
}

// janitor periodically sweeps expired entries.
func (c *ttlCache[V]) janitor(ctx context.Context) {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *ttlCache[V]) sweep() {
	type evicted struct {
		key   string
		value V
	}
	var collected []evicted

	c.mu.Lock()
	for k, e := range c.items {
		if e.isExpired() {
			delete(c.items, k)
			c.stats.Eviction()
			if c.evictFn != nil {
				collected = append(collected, evicted{key: k, value: e.value})
			}
		}
	}
	c.stats.UpdateSize(int64(len(c.items)))
	c.mu.Unlock()

	// Callbacks run outside the lock so a slow callback cannot stall Gets.
	for _, ev := range collected {
		c.evictFn(ev.key, ev.value)
	}
}
