package cache

import (
	"sync/atomic"
	"time"
)

// Statistics tracks cache performance counters. All fields are updated
// atomically so readers never block writers on the hot path.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
	size      atomic.Int64

	startTime time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Hit records a cache hit.
func (s *Statistics) Hit() { s.hits.Add(1) }

// Miss records a cache miss.
func (s *Statistics) Miss() { s.misses.Add(1) }

// Set records a cache set operation.
func (s *Statistics) Set() { s.sets.Add(1) }

// Delete records a cache delete operation.
func (s *Statistics) Delete() { s.deletes.Add(1) }

// Eviction records a cache eviction.
func (s *Statistics) Eviction() { s.evictions.Add(1) }

// UpdateSize records the current cache size.
func (s *Statistics) UpdateSize(n int64) { s.size.Store(n) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Hits      int64         `json:"hits"`
	Misses    int64         `json:"misses"`
	Sets      int64         `json:"sets"`
	Deletes   int64         `json:"deletes"`
	Evictions int64         `json:"evictions"`
	Size      int64         `json:"size"`
	Uptime    time.Duration `json:"uptime"`
}

// Snapshot returns a point-in-time copy of the counters.
func (s *Statistics) Snapshot() Snapshot {
	return Snapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Sets:      s.sets.Load(),
		Deletes:   s.deletes.Load(),
		Evictions: s.evictions.Load(),
		Size:      s.size.Load(),
		Uptime:    time.Since(s.startTime),
	}
}

// HitRate returns the fraction of Gets that were hits, 0 when no Gets yet.
func (s *Statistics) HitRate() float64 {
	hits := s.hits.Load()
	total := hits + s.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
