package cache

// Option configures a cache at construction time.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	evictCallback EvictCallback[V]
}

// WithEvictCallback registers a callback invoked when entries are evicted
// or deleted.
func WithEvictCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(o *cacheOptions[V]) {
		o.evictCallback = fn
	}
}

func applyOptions[V any](opts []Option[V]) *cacheOptions[V] {
	o := &cacheOptions[V]{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
