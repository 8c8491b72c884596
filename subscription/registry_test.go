package subscription

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndSubscribers(t *testing.T) {
	r := NewRegistry()

	r.Register("conn-1", "stream-a")
	r.Register("conn-2", "stream-a")
	r.Register("conn-1", "stream-b")

	subs := r.Subscribers("stream-a")
	assert.ElementsMatch(t, []string{"conn-1", "conn-2"}, subs)
	assert.ElementsMatch(t, []string{"conn-1"}, r.Subscribers("stream-b"))
	assert.Empty(t, r.Subscribers("stream-c"))
}

func TestRegisterIdempotent(t *testing.T) {
	r := NewRegistry()

	r.Register("conn-1", "stream-a")
	entry1, ok := r.Connection("conn-1")
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	r.Register("conn-1", "stream-a")

	entry2, ok := r.Connection("conn-1")
	require.True(t, ok)
	assert.Len(t, entry2.StreamIDs, 1)
	assert.True(t, entry2.LastActivity.After(entry1.LastActivity),
		"re-register should refresh last activity")
}

func TestUnregisterRemovesEmptyConnection(t *testing.T) {
	r := NewRegistry()

	r.Register("conn-1", "stream-a")
	r.Register("conn-1", "stream-b")

	r.Unregister("conn-1", "stream-a")
	entry, ok := r.Connection("conn-1")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"stream-b"}, entry.StreamIDs)

	r.Unregister("conn-1", "stream-b")
	_, ok = r.Connection("conn-1")
	assert.False(t, ok, "connection with zero subscriptions should be removed")
	assert.Empty(t, r.Subscribers("stream-b"))
}

func TestRemoveConnection(t *testing.T) {
	r := NewRegistry()

	r.Register("conn-1", "stream-a")
	r.Register("conn-1", "stream-b")
	r.Register("conn-2", "stream-a")

	r.RemoveConnection("conn-1")

	_, ok := r.Connection("conn-1")
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"conn-2"}, r.Subscribers("stream-a"))
	assert.Empty(t, r.Subscribers("stream-b"))
}

func TestGetSnapshot(t *testing.T) {
	r := NewRegistry()

	r.Register("conn-1", "stream-a")
	r.Register("conn-2", "stream-a")
	r.Register("conn-2", "stream-b")

	snap := r.GetSnapshot()
	assert.Equal(t, 2, snap.ConnectionCount)
	assert.Equal(t, 2, snap.PerStream["stream-a"])
	assert.Equal(t, 1, snap.PerStream["stream-b"])
}

func TestPruneStale(t *testing.T) {
	r := NewRegistry()

	r.Register("stale-conn", "stream-a")
	r.Register("fresh-conn", "stream-a")

	// Age the stale connection artificially.
	cs := r.connShard("stale-conn")
	cs.mu.Lock()
	cs.conns["stale-conn"].lastActivity = time.Now().Add(-time.Hour)
	cs.mu.Unlock()

	pruned := r.PruneStale(30 * time.Minute)
	assert.Equal(t, 1, pruned)

	_, ok := r.Connection("stale-conn")
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"fresh-conn"}, r.Subscribers("stream-a"))
}

func TestPruneStaleSparesRefreshedConnection(t *testing.T) {
	r := NewRegistry()
	r.Register("conn-1", "stream-a")

	cs := r.connShard("conn-1")
	cs.mu.Lock()
	cs.conns["conn-1"].lastActivity = time.Now().Add(-time.Hour)
	cs.mu.Unlock()

	// Touch before prune: the re-verify under the write lock must see the
	// fresh timestamp and keep the connection.
	r.Touch("conn-1")
	pruned := r.PruneStale(30 * time.Minute)

	assert.Zero(t, pruned)
	_, ok := r.Connection("conn-1")
	assert.True(t, ok)
}

func TestRegisterRacingRemoveLeavesNoGhostSubscriber(t *testing.T) {
	r := NewRegistry()

	// Register takes the connection and stream shard locks separately; a
	// removal landing between them must not leave a subscriber entry for a
	// connection that no longer exists.
	for i := 0; i < 500; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("conn-1", "stream-1")
		}()
		go func() {
			defer wg.Done()
			r.RemoveConnection("conn-1")
		}()
		wg.Wait()
		r.RemoveConnection("conn-1")

		require.Empty(t, r.Subscribers("stream-1"))
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", n)
			for j := 0; j < 100; j++ {
				stream := fmt.Sprintf("stream-%d", j%8)
				r.Register(conn, stream)
				r.Touch(conn)
				if j%3 == 0 {
					r.Unregister(conn, stream)
				}
			}
		}(i)
	}
	wg.Wait()

	snap := r.GetSnapshot()
	assert.Equal(t, 16, snap.ConnectionCount)
	for i := 0; i < 16; i++ {
		r.RemoveConnection(fmt.Sprintf("conn-%d", i))
	}
	assert.Zero(t, r.GetSnapshot().ConnectionCount)
}
