// ABOUTME: Tests for the session registry
// ABOUTME: Validates whole-record replacement, conditional delete and snapshot isolation

package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetSetDelete(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Get("a")
	assert.False(t, ok)

	r.Set(Record{ID: "a", State: StatePending})
	rec, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, StatePending, rec.State)

	r.Set(Record{ID: "a", State: StateConnected})
	rec, _ = r.Get("a")
	assert.Equal(t, StateConnected, rec.State)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Delete("a"))
	assert.False(t, r.Delete("a"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Update(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Update("missing", func(rec *Record) { rec.State = StateConnected })
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len(), "update must not create records")

	r.Set(Record{ID: "a"})
	rec, ok := r.Update("a", func(rec *Record) {
		rec.State = StateAwaitingScan
		rec.Challenge = "QR"
		rec.ID = "tampered"
	})
	require.True(t, ok)
	assert.Equal(t, "a", rec.ID)
	assert.Equal(t, "QR", rec.Challenge)

	_, ok = r.Get("tampered")
	assert.False(t, ok)
}

func TestRegistry_DeleteIf(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Set(Record{ID: "a", LastActivity: now})

	_, ok := r.DeleteIf("a", func(rec Record) bool { return rec.LastActivity.Before(now) })
	assert.False(t, ok)

	rec, ok := r.DeleteIf("a", func(rec Record) bool { return !rec.LastActivity.After(now) })
	assert.True(t, ok)
	assert.Equal(t, "a", rec.ID)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.Set(Record{ID: "b", State: StatePending})
	r.Set(Record{ID: "a", State: StatePending})

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "b", snap[1].ID)

	snap[0].State = StateConnected
	r.Delete("b")

	rec, _ := r.Get("a")
	assert.Equal(t, StatePending, rec.State)
	assert.Len(t, snap, 2)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("s%d", i)
		wg.Add(3)
		go func() {
			defer wg.Done()
			r.Set(Record{ID: id})
			r.Update(id, func(rec *Record) { rec.State = StateConnected })
		}()
		go func() {
			defer wg.Done()
			_ = r.Snapshot()
		}()
		go func() {
			defer wg.Done()
			r.Get(id)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, r.Len())
	for _, rec := range r.Snapshot() {
		assert.Equal(t, StateConnected, rec.State)
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "awaiting_scan", StateAwaitingScan.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "unknown", State(42).String())

	text, err := StateConnected.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "connected", string(text))

	var parsed State
	require.NoError(t, parsed.UnmarshalText([]byte("awaiting_scan")))
	assert.Equal(t, StateAwaitingScan, parsed)
	assert.Error(t, parsed.UnmarshalText([]byte("exploded")))
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, k.locks)
}

func TestNewID(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 32)
	assert.Regexp(t, "^[0-9a-f]{32}$", id)
	assert.NotEqual(t, id, NewID())
}
