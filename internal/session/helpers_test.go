// ABOUTME: Shared fixtures for session tests: manual clock, flaky store, manager builder
// ABOUTME: Uses the scriptable protocol fake and the in-memory credential store

package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/courier-gateway/internal/credentials"
	"github.com/2389/courier-gateway/internal/protocol"
	"github.com/2389/courier-gateway/internal/protocol/protocoltest"
)

const (
	testDelay   = 10 * time.Millisecond
	waitTimeout = 2 * time.Second
	pollEvery   = 2 * time.Millisecond
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore wraps MemoryStore with per-id failures.
type flakyStore struct {
	*credentials.MemoryStore

	mu         sync.Mutex
	failDelete map[string]error
	panicSave  string
	hangLoad   map[string]loadGate
}

// loadGate holds one Load call until release is closed.
type loadGate struct {
	entered chan struct{}
	release chan struct{}
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		MemoryStore: credentials.NewMemoryStore(),
		failDelete:  make(map[string]error),
		hangLoad:    make(map[string]loadGate),
	}
}

// HangLoad makes the next Load of id block, ignoring its context, until
// release is called. entered is closed once that Load is blocked.
func (f *flakyStore) HangLoad(id string) (entered <-chan struct{}, release func()) {
	gate := loadGate{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.hangLoad[id] = gate
	f.mu.Unlock()

	var once sync.Once
	return gate.entered, func() { once.Do(func() { close(gate.release) }) }
}

func (f *flakyStore) Load(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	gate, ok := f.hangLoad[id]
	delete(f.hangLoad, id)
	f.mu.Unlock()
	if ok {
		close(gate.entered)
		<-gate.release
	}
	return f.MemoryStore.Load(ctx, id)
}

func (f *flakyStore) FailDelete(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDelete[id] = err
}

func (f *flakyStore) PanicOnSave(material string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panicSave = material
}

func (f *flakyStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	err := f.failDelete[id]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.Delete(ctx, id)
}

func (f *flakyStore) Save(ctx context.Context, id string, material []byte) error {
	f.mu.Lock()
	boom := f.panicSave != "" && string(material) == f.panicSave
	f.mu.Unlock()
	if boom {
		panic("store exploded")
	}
	return f.MemoryStore.Save(ctx, id, material)
}

type fixture struct {
	m       *Manager
	factory *protocoltest.Factory
	store   *flakyStore
	clock   *manualClock
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture builds a Manager on fakes. A nil clock uses wall time.
func newFixture(t *testing.T, clock *manualClock) *fixture {
	t.Helper()

	f := &fixture{
		factory: protocoltest.NewFactory(),
		store:   newFlakyStore(),
		clock:   clock,
	}
	opts := Options{
		Factory:        f.factory,
		Store:          f.store,
		Logger:         testLogger(),
		ReconnectDelay: testDelay,
	}
	if clock != nil {
		opts.Now = clock.Now
	}

	m, err := NewManager(opts)
	require.NoError(t, err)
	f.m = m

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return f
}

// create starts a fresh session and waits for its first client.
func (f *fixture) create(t *testing.T) (string, *protocoltest.Client) {
	t.Helper()
	res, err := f.m.CreateOrResume(context.Background(), "")
	require.NoError(t, err)
	c, err := f.factory.WaitForClient(res.ID, 1, waitTimeout)
	require.NoError(t, err)
	return res.ID, c
}

func (f *fixture) waitState(t *testing.T, id string, want State) Record {
	t.Helper()
	var rec Record
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = f.m.registry.Get(id)
		return ok && rec.State == want
	}, waitTimeout, pollEvery, "session %s never reached %s (last %s)", id, want, rec.State)
	return rec
}

// connect drives a new session to Connected.
func (f *fixture) connect(t *testing.T) (string, *protocoltest.Client) {
	t.Helper()
	id, c := f.create(t)
	c.Emit(protocol.Connected())
	f.waitState(t, id, StateConnected)
	return id, c
}

func checkInvariants(t *testing.T, rec Record) {
	t.Helper()
	if rec.State == StateAwaitingScan {
		require.NotEmpty(t, rec.Challenge, "awaiting scan without a challenge")
	} else {
		require.Empty(t, rec.Challenge, "challenge present in state %s", rec.State)
	}
	if rec.State != StateConnected {
		require.Nil(t, rec.Client, "client exposed in state %s", rec.State)
	}
}
