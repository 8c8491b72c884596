// Package stream provides the Stream Registry: a read-through cached
// catalog mapping physical sensor channels to logical streams. Consumed by
// the ingest pipeline, alert engine, and interlock evaluator; writes go to
// the stream configuration store and invalidate the cache.
package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/pkg/cache"
	"github.com/c360/growplane/storage"
	"github.com/c360/growplane/types"
)

// Registry is a long-lived, process-wide catalog instance. Reads are served
// from a TTL cache; misses fall through to the configuration store.
type Registry struct {
	store  storage.StreamStore
	cache  cache.Cache[*types.Stream]
	logger *slog.Logger
}

// Deps holds runtime dependencies for the stream registry.
type Deps struct {
	Store    storage.StreamStore
	Logger   *slog.Logger
	CacheTTL time.Duration
}

// NewRegistry creates the stream registry. The cache janitor runs until ctx
// is cancelled.
func NewRegistry(ctx context.Context, deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "stream-registry")
	}
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{
		store:  deps.Store,
		cache:  cache.NewTTL[*types.Stream](ctx, ttl, ttl/5),
		logger: logger,
	}
}

// Get returns the stream record for id, cached.
func (r *Registry) Get(ctx context.Context, id string) (*types.Stream, error) {
	if id == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Registry", "Get", "empty stream id")
	}
	if s, ok := r.cache.Get(id); ok {
		return s, nil
	}

	s, err := r.store.GetStream(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := r.cache.Set(id, s); err != nil {
		r.logger.Warn("stream cache set failed", "stream", id, "error", err)
	}
	return s, nil
}

// ResolveActive returns the stream only if it exists and is active. The
// ingest pipeline uses this as its stream validity gate.
func (r *Registry) ResolveActive(ctx context.Context, id string) (*types.Stream, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		if errors.IsInvalid(err) {
			return nil, errors.WrapInvalid(errors.ErrUnknownStream, "Registry", "ResolveActive", id)
		}
		return nil, err
	}
	if !s.Active {
		return nil, errors.WrapInvalid(errors.ErrStreamInactive, "Registry", "ResolveActive", id)
	}
	return s, nil
}

// List returns all streams for a site, bypassing the cache.
func (r *Registry) List(ctx context.Context, siteID string) ([]types.Stream, error) {
	return r.store.ListStreams(ctx, siteID)
}

// Put writes a stream record through to the store and refreshes the cache.
func (r *Registry) Put(ctx context.Context, stream *types.Stream) error {
	if err := r.store.PutStream(ctx, stream); err != nil {
		return err
	}
	if _, err := r.cache.Set(stream.ID, stream); err != nil {
		r.logger.Warn("stream cache refresh failed", "stream", stream.ID, "error", err)
	}
	return nil
}

// Deactivate clears the active flag and invalidates the cache entry.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	if err := r.store.DeactivateStream(ctx, id); err != nil {
		return err
	}
	if _, err := r.cache.Delete(id); err != nil {
		r.logger.Warn("stream cache invalidation failed", "stream", id, "error", err)
	}
	return nil
}

// CacheStats exposes catalog cache statistics for diagnostics.
func (r *Registry) CacheStats() cache.Snapshot {
	return r.cache.Stats().Snapshot()
}

// Close releases the cache janitor.
func (r *Registry) Close() error {
	return r.cache.Close()
}
