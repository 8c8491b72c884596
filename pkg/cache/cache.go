// Package cache provides generic, thread-safe cache implementations used by
// the ingest pipeline (message-id dedup index, latest-reading cache) and the
// stream catalog.
//
// Two cache types are offered:
//   - SimpleCache: no eviction policy (stores items until deleted)
//   - TTLCache: time-to-live eviction with a background janitor
//
// All implementations are thread-safe with built-in statistics.
package cache

import (
	"time"

	"github.com/c360/growplane/errors"
)

// Cache represents a generic cache interface that all implementations must
// satisfy. The cache is parameterized by value type V for type safety.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the value and true if found.
	Get(key string) (V, bool)

	// Set stores a value with the given key. Returns true if a new entry
	// was created, false if an existing one was updated.
	Set(key string, value V) (bool, error)

	// SetIfAbsent stores a value only when the key is not already present.
	// Returns true if the value was stored. This is the atomic
	// check-and-insert used by the dedup index.
	SetIfAbsent(key string, value V) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries from the cache.
	Clear() error

	// Size returns the current number of entries in the cache.
	Size() int

	// Keys returns a slice of all keys currently in the cache.
	Keys() []string

	// Stats returns cache statistics.
	Stats() *Statistics

	// Close shuts down the cache and releases any background resources.
	Close() error
}

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

// Entry represents an entry in the cache with metadata.
type Entry[V any] struct {
	Key       string
	Value     V
	CreatedAt time.Time
	ExpiresAt *time.Time // nil means no expiration
}

// IsExpired checks if the entry has expired based on the current time.
func (e *Entry[V]) IsExpired() bool {
	if e.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*e.ExpiresAt)
}

// validateKey validates a cache key for basic requirements.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
