// ABOUTME: Tests for the inactivity reaper
// ABOUTME: Covers threshold eviction, credential removal, per-session isolation and the ticker loop

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/courier-gateway/internal/protocol"
)

const testThreshold = 24 * time.Hour

func newTestReaper(f *fixture) *Reaper {
	return NewReaper(f.m, ReaperConfig{
		InactivityTimeout: testThreshold,
		SweepInterval:     time.Hour,
	}, testLogger())
}

// persisted connects a session and waits for its credentials to be stored.
func persisted(t *testing.T, f *fixture) string {
	t.Helper()
	id, c := f.connect(t)
	c.Emit(protocol.CredentialsChanged([]byte("material-" + id)))
	require.Eventually(t, func() bool {
		ok, _ := f.store.Exists(context.Background(), id)
		return ok
	}, waitTimeout, pollEvery)
	return id
}

func TestNewReaper_Defaults(t *testing.T) {
	f := newFixture(t, nil)
	r := NewReaper(f.m, ReaperConfig{}, nil)
	assert.Equal(t, DefaultInactivityTimeout, r.timeout)
	assert.Equal(t, DefaultSweepInterval, r.interval)
	assert.Equal(t, DefaultEvictTimeout, r.evictTimeout)
}

func TestSweep_EvictsIdleSession(t *testing.T) {
	clock := newManualClock()
	f := newFixture(t, clock)
	ctx := context.Background()
	id := persisted(t, f)

	clock.Advance(testThreshold + time.Second)
	result := newTestReaper(f).Sweep(ctx)

	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, []string{id}, result.Evicted)
	assert.Empty(t, result.Failed)

	_, err := f.m.Status(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := f.store.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, f.factory.Latest(id).Terminated())
}

func TestSweep_KeepsSessionAtThreshold(t *testing.T) {
	clock := newManualClock()
	f := newFixture(t, clock)
	ctx := context.Background()
	id := persisted(t, f)

	clock.Advance(testThreshold)
	result := newTestReaper(f).Sweep(ctx)
	assert.Empty(t, result.Evicted)

	_, ok := f.m.Registry().Get(id)
	assert.True(t, ok)
}

func TestSweep_ActivityResetsIdleTimer(t *testing.T) {
	clock := newManualClock()
	f := newFixture(t, clock)
	ctx := context.Background()
	active := persisted(t, f)
	idle := persisted(t, f)

	clock.Advance(testThreshold - time.Minute)
	_, err := f.m.SendText(ctx, active, "123@net", "ping")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	result := newTestReaper(f).Sweep(ctx)
	assert.Equal(t, []string{idle}, result.Evicted)

	_, ok := f.m.Registry().Get(active)
	assert.True(t, ok)
}

func TestSweep_IsolatesFailingSessions(t *testing.T) {
	clock := newManualClock()
	f := newFixture(t, clock)
	ctx := context.Background()

	panicky := persisted(t, f)
	f.factory.Latest(panicky).PanicOnTerminate()

	erroring := persisted(t, f)
	f.factory.Latest(erroring).SetTerminateError(errors.New("socket already closed"))

	storeFails := persisted(t, f)
	f.store.FailDelete(storeFails, errors.New("disk full"))

	healthy := persisted(t, f)

	clock.Advance(testThreshold + time.Second)
	result := newTestReaper(f).Sweep(ctx)

	assert.ElementsMatch(t, []string{panicky, erroring, healthy}, result.Evicted)
	assert.Equal(t, []string{storeFails}, result.Failed)

	for _, id := range []string{panicky, erroring, healthy} {
		ok, err := f.store.Exists(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, "credentials for %s should be gone", id)
	}

	// The failed eviction stays blocked instead of resuming from storage
	rec, ok := f.m.Registry().Get(storeFails)
	require.True(t, ok)
	assert.True(t, rec.Closing)
	assert.Contains(t, rec.LastError, "disk full")
	_, err := f.m.Status(ctx, storeFails)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, f.factory.Creates(storeFails))
	assert.Empty(t, f.m.List())
}

func TestSweep_RetriesFailedCredentialDelete(t *testing.T) {
	clock := newManualClock()
	f := newFixture(t, clock)
	ctx := context.Background()
	r := newTestReaper(f)
	id := persisted(t, f)
	f.store.FailDelete(id, errors.New("disk full"))

	clock.Advance(testThreshold + time.Second)
	result := r.Sweep(ctx)
	require.Equal(t, []string{id}, result.Failed)

	// Still failing: nothing changes and nothing is resurrected
	result = r.Sweep(ctx)
	assert.Equal(t, []string{id}, result.Failed)
	_, err := f.m.SendText(ctx, id, "123@net", "hi")
	assert.ErrorIs(t, err, ErrNotFound)

	f.store.FailDelete(id, nil)
	result = r.Sweep(ctx)
	assert.Equal(t, []string{id}, result.Evicted)
	assert.Equal(t, 0, f.m.Registry().Len())

	ok, err := f.store.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.m.Status(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, f.factory.Creates(id))
}

func TestSweep_StuckSessionDoesNotBlockOthers(t *testing.T) {
	clock := newManualClock()
	f := newFixture(t, clock)
	ctx := context.Background()

	stuck := persisted(t, f)
	healthy := persisted(t, f)

	// Park the stuck session's supervisor inside a reconnect Load that never returns
	entered, release := f.store.HangLoad(stuck)
	t.Cleanup(release)
	f.factory.Latest(stuck).Emit(protocol.Disconnected("connection_lost", false))
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("reconnect never reached the store")
	}

	r := NewReaper(f.m, ReaperConfig{
		InactivityTimeout: testThreshold,
		SweepInterval:     time.Hour,
		EvictTimeout:      50 * time.Millisecond,
	}, testLogger())

	clock.Advance(testThreshold + time.Second)
	start := time.Now()
	result := r.Sweep(ctx)
	assert.Less(t, time.Since(start), waitTimeout)
	assert.Contains(t, result.Evicted, healthy)

	ok, err := f.store.Exists(ctx, healthy)
	require.NoError(t, err)
	assert.False(t, ok)

	// Once the hung call returns the detached supervisor exits without
	// bringing the session back
	release()
	time.Sleep(5 * testDelay)
	_, found := f.m.Registry().Get(stuck)
	assert.False(t, found)
	_, err = f.m.Status(ctx, stuck)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvict_SkipsSessionTouchedAfterSnapshot(t *testing.T) {
	clock := newManualClock()
	f := newFixture(t, clock)
	ctx := context.Background()
	id := persisted(t, f)

	cutoff := clock.Now().Add(-time.Minute)
	evicted, err := f.m.evict(ctx, id, cutoff)
	require.NoError(t, err)
	assert.False(t, evicted)

	_, ok := f.m.Registry().Get(id)
	assert.True(t, ok)
}

func TestReaperRun_SweepsOnTicker(t *testing.T) {
	f := newFixture(t, nil)
	id, _ := f.create(t)

	r := NewReaper(f.m, ReaperConfig{
		InactivityTimeout: time.Nanosecond,
		SweepInterval:     5 * time.Millisecond,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := f.m.Registry().Get(id)
		return !ok
	}, waitTimeout, pollEvery)

	cancel()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("reaper did not stop after cancel")
	}
}
