// Package subscription tracks which live connections want which streams,
// for push fan-out of accepted readings and fired alerts. The registry is
// the hottest shared mutable structure in the plane, so it is sharded by
// connection and by stream rather than guarded by one mutex.
package subscription

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// Entry is one connection's subscription state.
type Entry struct {
	ConnectionID string    `json:"connection_id"`
	StreamIDs    []string  `json:"stream_ids"`
	LastActivity time.Time `json:"last_activity"`
}

// Snapshot summarizes the registry for diagnostics.
type Snapshot struct {
	ConnectionCount int            `json:"connection_count"`
	PerStream       map[string]int `json:"per_stream_subscriber_count"`
}

type connEntry struct {
	streams      map[string]struct{}
	lastActivity time.Time
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*connEntry
}

type streamShard struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{} // streamID -> set of connection ids
}

// Registry is the live subscription registry. A single long-lived instance
// is created at process start.
type Registry struct {
	connShards   [shardCount]*connShard
	streamShards [shardCount]*streamShard
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := 0; i < shardCount; i++ {
		r.connShards[i] = &connShard{conns: make(map[string]*connEntry)}
		r.streamShards[i] = &streamShard{subs: make(map[string]map[string]struct{})}
	}
	return r
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (r *Registry) connShard(connectionID string) *connShard {
	return r.connShards[shardIndex(connectionID)]
}

func (r *Registry) streamShard(streamID string) *streamShard {
	return r.streamShards[shardIndex(streamID)]
}

// Register subscribes a connection to a stream. Idempotent: registering an
// existing pair only refreshes last-activity.
func (r *Registry) Register(connectionID, streamID string) {
	if connectionID == "" || streamID == "" {
		return
	}
	now := time.Now()

	cs := r.connShard(connectionID)
	cs.mu.Lock()
	entry, ok := cs.conns[connectionID]
	if !ok {
		entry = &connEntry{streams: make(map[string]struct{})}
		cs.conns[connectionID] = entry
	}
	entry.streams[streamID] = struct{}{}
	entry.lastActivity = now
	cs.mu.Unlock()

	ss := r.streamShard(streamID)
	ss.mu.Lock()
	set, ok := ss.subs[streamID]
	if !ok {
		set = make(map[string]struct{})
		ss.subs[streamID] = set
	}
	set[connectionID] = struct{}{}
	ss.mu.Unlock()

	// The two shards are locked separately; if the connection was removed
	// between them, drop the just-added entry rather than leak a ghost
	// subscriber.
	cs.mu.RLock()
	_, alive := cs.conns[connectionID]
	cs.mu.RUnlock()
	if !alive {
		r.dropStreamSub(streamID, connectionID)
	}
}

// Unregister removes one stream from a connection. A connection with zero
// remaining subscriptions is removed entirely.
func (r *Registry) Unregister(connectionID, streamID string) {
	cs := r.connShard(connectionID)
	cs.mu.Lock()
	if entry, ok := cs.conns[connectionID]; ok {
		delete(entry.streams, streamID)
		entry.lastActivity = time.Now()
		if len(entry.streams) == 0 {
			delete(cs.conns, connectionID)
		}
	}
	cs.mu.Unlock()

	r.dropStreamSub(streamID, connectionID)
}

// RemoveConnection drops the connection and all its subscriptions.
func (r *Registry) RemoveConnection(connectionID string) {
	cs := r.connShard(connectionID)
	cs.mu.Lock()
	entry, ok := cs.conns[connectionID]
	var streams []string
	if ok {
		streams = make([]string, 0, len(entry.streams))
		for s := range entry.streams {
			streams = append(streams, s)
		}
		delete(cs.conns, connectionID)
	}
	cs.mu.Unlock()

	for _, s := range streams {
		r.dropStreamSub(s, connectionID)
	}
}

func (r *Registry) dropStreamSub(streamID, connectionID string) {
	ss := r.streamShard(streamID)
	ss.mu.Lock()
	if set, ok := ss.subs[streamID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(ss.subs, streamID)
		}
	}
	ss.mu.Unlock()
}

// Touch refreshes a connection's last-activity timestamp (called on every
// inbound frame from the connection).
func (r *Registry) Touch(connectionID string) {
	cs := r.connShard(connectionID)
	cs.mu.Lock()
	if entry, ok := cs.conns[connectionID]; ok {
		entry.lastActivity = time.Now()
	}
	cs.mu.Unlock()
}

// Subscribers returns the connection ids subscribed to a stream.
func (r *Registry) Subscribers(streamID string) []string {
	ss := r.streamShard(streamID)
	ss.mu.RLock()
	set := ss.subs[streamID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	ss.mu.RUnlock()
	return out
}

// Connection returns a copy of a connection's entry, if present.
func (r *Registry) Connection(connectionID string) (Entry, bool) {
	cs := r.connShard(connectionID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	entry, ok := cs.conns[connectionID]
	if !ok {
		return Entry{}, false
	}
	streams := make([]string, 0, len(entry.streams))
	for s := range entry.streams {
		streams = append(streams, s)
	}
	return Entry{
		ConnectionID: connectionID,
		StreamIDs:    streams,
		LastActivity: entry.lastActivity,
	}, true
}

// GetSnapshot returns connection and per-stream subscriber counts.
func (r *Registry) GetSnapshot() Snapshot {
	snap := Snapshot{PerStream: make(map[string]int)}
	for _, cs := range r.connShards {
		cs.mu.RLock()
		snap.ConnectionCount += len(cs.conns)
		cs.mu.RUnlock()
	}
	for _, ss := range r.streamShards {
		ss.mu.RLock()
		for stream, set := range ss.subs {
			snap.PerStream[stream] += len(set)
		}
		ss.mu.RUnlock()
	}
	return snap
}

// PruneStale removes connections whose last activity predates
// now - staleAfter. The timestamp is re-verified under the shard write lock
// immediately before eviction, so a connection refreshed between the scan
// and the removal survives.
func (r *Registry) PruneStale(staleAfter time.Duration) int {
	cutoff := time.Now().Add(-staleAfter)
	pruned := 0

	for _, cs := range r.connShards {
		// Scan under read lock first; candidates are re-checked below.
		cs.mu.RLock()
		var candidates []string
		for id, entry := range cs.conns {
			if entry.lastActivity.Before(cutoff) {
				candidates = append(candidates, id)
			}
		}
		cs.mu.RUnlock()

		for _, id := range candidates {
			cs.mu.Lock()
			entry, ok := cs.conns[id]
			if !ok || !entry.lastActivity.Before(cutoff) {
				// Refreshed or already gone since the scan.
				cs.mu.Unlock()
				continue
			}
			streams := make([]string, 0, len(entry.streams))
			for s := range entry.streams {
				streams = append(streams, s)
			}
			delete(cs.conns, id)
			cs.mu.Unlock()

			for _, s := range streams {
				r.dropStreamSub(s, id)
			}
			pruned++
		}
	}
	return pruned
}
