// ABOUTME: Tests for the session facade and connection state machine
// ABOUTME: Drives sessions through pairing, reconnects, logouts, sends and close with a fake client

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/courier-gateway/internal/credentials"
	"github.com/2389/courier-gateway/internal/protocol"
	"github.com/2389/courier-gateway/internal/protocol/protocoltest"
)

func TestNewManager_RequiresCollaborators(t *testing.T) {
	_, err := NewManager(Options{Store: credentials.NewMemoryStore()})
	assert.Error(t, err)

	_, err = NewManager(Options{Factory: protocoltest.NewFactory()})
	assert.Error(t, err)
}

func TestNewManager_Defaults(t *testing.T) {
	m, err := NewManager(Options{Factory: protocoltest.NewFactory(), Store: credentials.NewMemoryStore()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	assert.Equal(t, DefaultReconnectDelay, m.reconnectDelay)
	assert.Equal(t, DefaultConnectTimeout, m.connectTimeout)
}

func TestStatus_UnknownIDIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, id := range []string{NewID(), "never-created", "../etc", ""} {
		_, err := f.m.Status(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound, "id %q", id)
		assert.Equal(t, "not_found", Kind(err))
	}
	assert.Equal(t, 0, f.m.Registry().Len())
}

func TestCreateOrResume_FreshIDsAreUnique(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		res, err := f.m.CreateOrResume(ctx, "")
		require.NoError(t, err)
		require.Len(t, res.ID, 32)
		require.False(t, res.Resumed)

		_, dup := seen[res.ID]
		require.False(t, dup, "duplicate id %s", res.ID)
		seen[res.ID] = struct{}{}
	}
	assert.Equal(t, n, f.m.Registry().Len())
}

func TestCreateOrResume_InitialState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.m.CreateOrResume(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, StatePending, res.State)

	st, err := f.m.Status(ctx, res.ID)
	require.NoError(t, err)
	assert.Contains(t, []State{StatePending, StateAwaitingScan}, st.State)

	c, err := f.factory.WaitForClient(res.ID, 1, waitTimeout)
	require.NoError(t, err)
	assert.Nil(t, c.Credentials, "fresh session must pair without stored material")
}

func TestCreateOrResume_UnknownIDIsSessionNotFound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.m.CreateOrResume(ctx, "0123456789abcdef0123456789abcdef")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, "session_not_found", Kind(err))

	_, err = f.m.CreateOrResume(ctx, "not/a/valid/id")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.Equal(t, 0, f.m.Registry().Len())
}

func TestCreateOrResume_ResumesStoredSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.Save(ctx, "stored-session", []byte("material")))

	res, err := f.m.CreateOrResume(ctx, "stored-session")
	require.NoError(t, err)
	assert.True(t, res.Resumed)

	c, err := f.factory.WaitForClient("stored-session", 1, waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, []byte("material"), c.Credentials)

	// A second call returns the live session without a new client.
	_, err = f.m.CreateOrResume(ctx, "stored-session")
	require.NoError(t, err)
	assert.Equal(t, 1, f.factory.Creates("stored-session"))
}

func TestEndToEnd_PairConnectSend(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, c := f.create(t)

	c.Emit(protocol.Challenge("QR123"))
	f.waitState(t, id, StateAwaitingScan)

	st, err := f.m.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingScan, st.State)
	assert.Equal(t, "QR123", st.Challenge)

	c.Emit(protocol.Connected())
	f.waitState(t, id, StateConnected)

	st, err = f.m.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, st.State)
	assert.Empty(t, st.Challenge)

	c.SetExists(true)
	receipt, err := f.m.SendText(ctx, id, "123@net", "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)
	assert.Equal(t, "123@net", receipt.Destination)

	rec, ok := f.m.Registry().Get(id)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), rec.LastActivity, time.Second)

	sent := c.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "123@net", sent[0].Destination)
	assert.Equal(t, "hi", sent[0].Message.Text)
}

func TestStateInvariants_HoldThroughLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	id, c := f.create(t)

	var (
		wg   sync.WaitGroup
		stop = make(chan struct{})
		bad  = make(chan Record, 1)
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			rec, ok := f.m.Registry().Get(id)
			if !ok {
				continue
			}
			challengeOK := (rec.State == StateAwaitingScan) == (rec.Challenge != "")
			clientOK := rec.State == StateConnected || rec.Client == nil
			if !challengeOK || !clientOK {
				select {
				case bad <- rec:
				default:
				}
				return
			}
		}
	}()

	c.Emit(protocol.Challenge("QR-1"))
	c.Emit(protocol.Challenge("QR-2"))
	rec := f.waitState(t, id, StateAwaitingScan)
	checkInvariants(t, rec)

	c.Emit(protocol.Connected())
	rec = f.waitState(t, id, StateConnected)
	checkInvariants(t, rec)
	assert.NotNil(t, rec.Client)

	c.Emit(protocol.Disconnected("connection_lost", false))
	c2, err := f.factory.WaitForClient(id, 2, waitTimeout)
	require.NoError(t, err)
	c2.Emit(protocol.Challenge("QR-3"))
	rec = f.waitState(t, id, StateAwaitingScan)
	assert.Equal(t, "QR-3", rec.Challenge)

	c2.Emit(protocol.Connected())
	rec = f.waitState(t, id, StateConnected)
	checkInvariants(t, rec)

	close(stop)
	wg.Wait()
	select {
	case r := <-bad:
		t.Fatalf("invariant violated: state=%s challenge=%q client=%v", r.State, r.Challenge, r.Client)
	default:
	}
}

func TestChallenge_RotationReplacesPayload(t *testing.T) {
	f := newFixture(t, nil)
	id, c := f.create(t)

	c.Emit(protocol.Challenge("first"))
	c.Emit(protocol.Challenge("second"))
	c.Emit(protocol.Challenge(""))

	require.Eventually(t, func() bool {
		rec, _ := f.m.Registry().Get(id)
		return rec.Challenge == "second"
	}, waitTimeout, pollEvery)
}

func TestReconnect_RepeatedDisconnectsKeepOneEntry(t *testing.T) {
	f := newFixture(t, nil)
	id, c := f.connect(t)

	const cycles = 5
	for i := 1; i <= cycles; i++ {
		c.Emit(protocol.Disconnected("connection_lost", false))

		next, err := f.factory.WaitForClient(id, i+1, waitTimeout)
		require.NoError(t, err)
		assert.True(t, c.Terminated(), "dropped client %d must be terminated", i)

		next.Emit(protocol.Connected())
		f.waitState(t, id, StateConnected)
		assert.Equal(t, 1, f.m.Registry().Len())
		c = next
	}

	assert.Equal(t, cycles+1, f.factory.Creates(id))
	assert.Len(t, f.m.List(), 1)
}

func TestReconnect_WaitsForDelay(t *testing.T) {
	factory := protocoltest.NewFactory()
	m, err := NewManager(Options{
		Factory:        factory,
		Store:          credentials.NewMemoryStore(),
		Logger:         testLogger(),
		ReconnectDelay: 150 * time.Millisecond,
	})
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	res, err := m.CreateOrResume(context.Background(), "")
	require.NoError(t, err)
	c, err := factory.WaitForClient(res.ID, 1, waitTimeout)
	require.NoError(t, err)
	c.Emit(protocol.Connected())

	start := time.Now()
	c.Emit(protocol.Disconnected("stream_errored", false))

	require.Eventually(t, func() bool {
		rec, _ := m.Registry().Get(res.ID)
		return rec.State == StatePending
	}, waitTimeout, pollEvery)

	_, err = factory.WaitForClient(res.ID, 2, waitTimeout)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	rec, _ := m.Registry().Get(res.ID)
	assert.Equal(t, "stream_errored", rec.LastError)
}

func TestReconnect_UsesPersistedCredentials(t *testing.T) {
	f := newFixture(t, nil)
	id, c := f.create(t)

	c.Emit(protocol.CredentialsChanged([]byte("keys-v1")))
	c.Emit(protocol.Connected())
	c.Emit(protocol.CredentialsChanged([]byte("keys-v2")))
	f.waitState(t, id, StateConnected)

	require.Eventually(t, func() bool {
		got, err := f.store.Load(context.Background(), id)
		return err == nil && string(got) == "keys-v2"
	}, waitTimeout, pollEvery)

	c.Emit(protocol.Disconnected("connection_lost", false))
	c2, err := f.factory.WaitForClient(id, 2, waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, []byte("keys-v2"), c2.Credentials)
}

func TestReconnect_IgnoresEventsFromDroppedClient(t *testing.T) {
	f := newFixture(t, nil)
	id, c := f.connect(t)

	c.Emit(protocol.Disconnected("connection_lost", false))
	c2, err := f.factory.WaitForClient(id, 2, waitTimeout)
	require.NoError(t, err)
	c2.Emit(protocol.Challenge("QR-new"))
	f.waitState(t, id, StateAwaitingScan)

	// The old client reporting success must not flip the new session.
	c.Emit(protocol.Connected())
	c.Emit(protocol.CredentialsChanged([]byte("stale")))
	time.Sleep(5 * testDelay)

	rec, _ := f.m.Registry().Get(id)
	assert.Equal(t, StateAwaitingScan, rec.State)
	assert.Equal(t, "QR-new", rec.Challenge)

	_, err = f.store.Load(context.Background(), id)
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestTerminalDisconnect_NeverReconnects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, c := f.connect(t)
	c.Emit(protocol.CredentialsChanged([]byte("revoked-soon")))

	c.Emit(protocol.Disconnected(protocol.ReasonLoggedOut, true))
	rec := f.waitState(t, id, StateDisconnected)
	assert.True(t, rec.Terminal)
	assert.Equal(t, protocol.ReasonLoggedOut, rec.LastError)
	checkInvariants(t, rec)

	time.Sleep(10 * testDelay)
	assert.Equal(t, 1, f.factory.Creates(id), "terminal disconnect must not schedule a reconnect")

	// Status and sends do not revive it either.
	st, err := f.m.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, st.State)
	_, err = f.m.SendText(ctx, id, "123@net", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 1, f.factory.Creates(id))

	ok, err := f.store.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok, "credentials remain on disk until an explicit reconnect")
}

func TestTerminalDisconnect_ExplicitResumeRepairs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, c := f.connect(t)
	c.Emit(protocol.CredentialsChanged([]byte("revoked")))
	c.Emit(protocol.Disconnected(protocol.ReasonLoggedOut, true))
	f.waitState(t, id, StateDisconnected)

	res, err := f.m.CreateOrResume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, res.ID)
	assert.True(t, res.Resumed)

	c2, err := f.factory.WaitForClient(id, 2, waitTimeout)
	require.NoError(t, err)
	assert.Nil(t, c2.Credentials, "revoked material must not be reused")

	c2.Emit(protocol.Challenge("QR-again"))
	rec := f.waitState(t, id, StateAwaitingScan)
	assert.False(t, rec.Terminal)
}

func TestClientCreationError_IsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.Save(ctx, "corrupt", []byte("garbage")))
	f.factory.FailNext("corrupt", protocol.ErrClientCreation)

	st, err := f.m.Status(ctx, "corrupt")
	require.NoError(t, err)
	assert.Contains(t, []State{StatePending, StateDisconnected}, st.State)

	rec := f.waitState(t, "corrupt", StateDisconnected)
	assert.True(t, rec.Terminal)
	assert.Contains(t, rec.LastError, protocol.ErrClientCreation.Error())

	time.Sleep(10 * testDelay)
	assert.Equal(t, 0, f.factory.Creates("corrupt"))
}

func TestTransientCreateError_IsRetried(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.Save(ctx, "flaky", []byte("material")))
	f.factory.FailNext("flaky", errors.New("dial tcp: connection refused"))

	_, err := f.m.Status(ctx, "flaky")
	require.NoError(t, err)

	c, err := f.factory.WaitForClient("flaky", 1, waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, []byte("material"), c.Credentials)

	c.Emit(protocol.Connected())
	rec := f.waitState(t, "flaky", StateConnected)
	assert.Empty(t, rec.LastError)
}

func TestStatus_LazilyResumesStoredSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.Save(ctx, "on-disk", []byte("material")))

	st, err := f.m.Status(ctx, "on-disk")
	require.NoError(t, err)
	assert.Equal(t, "on-disk", st.ID)
	assert.Equal(t, StatePending, st.State)

	c, err := f.factory.WaitForClient("on-disk", 1, waitTimeout)
	require.NoError(t, err)
	c.Emit(protocol.Connected())
	f.waitState(t, "on-disk", StateConnected)
}

func TestSend_NotConnectedMakesNoNetworkCall(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, c := f.create(t)
	c.Emit(protocol.Challenge("QR"))
	f.waitState(t, id, StateAwaitingScan)

	_, err := f.m.SendText(ctx, id, "123@net", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, "not_connected", Kind(err))

	_, err = f.m.SendDocument(ctx, id, "123@net", protocol.Document{URL: "https://example.com/a.pdf"})
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.Zero(t, c.CheckCalls())
	assert.Empty(t, c.Sent())
}

func TestSend_UnknownSessionIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.m.SendText(context.Background(), "missing", "123@net", "hi")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSendText_DestinationUnknown(t *testing.T) {
	f := newFixture(t, nil)
	id, c := f.connect(t)
	c.SetExists(false)

	_, err := f.m.SendText(context.Background(), id, "999@net", "hi")
	assert.ErrorIs(t, err, ErrDestinationUnknown)
	assert.Equal(t, "destination_unknown", Kind(err))
	assert.Equal(t, 1, c.CheckCalls())
	assert.Empty(t, c.Sent())
}

func TestSendText_TransportErrorIsSurfaced(t *testing.T) {
	f := newFixture(t, nil)
	id, c := f.connect(t)
	c.SetSendError(errors.New("socket closed"))

	_, err := f.m.SendText(context.Background(), id, "123@net", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Equal(t, "transport", Kind(err))
	assert.Contains(t, err.Error(), "socket closed")
}

func TestSendText_RequiresFields(t *testing.T) {
	f := newFixture(t, nil)
	id, c := f.connect(t)

	_, err := f.m.SendText(context.Background(), id, "", "hi")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.m.SendText(context.Background(), id, "123@net", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, c.CheckCalls())
}

func TestSendDocument_AppliesDefaultsWithoutExistenceCheck(t *testing.T) {
	f := newFixture(t, nil)
	id, c := f.connect(t)

	receipt, err := f.m.SendDocument(context.Background(), id, "123@net", protocol.Document{
		URL:     "https://example.com/invoice",
		Caption: "your invoice",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)
	assert.Zero(t, c.CheckCalls())

	sent := c.Sent()
	require.Len(t, sent, 1)
	doc := sent[0].Message.Document
	require.NotNil(t, doc)
	assert.Equal(t, "application/pdf", doc.MimeType)
	assert.Equal(t, "document.pdf", doc.FileName)
	assert.Equal(t, "your invoice", doc.Caption)
}

func TestSend_TouchesLastActivity(t *testing.T) {
	clock := newManualClock()
	f := newFixture(t, clock)
	id, _ := f.connect(t)

	clock.Advance(time.Hour)
	_, err := f.m.SendText(context.Background(), id, "123@net", "hi")
	require.NoError(t, err)

	rec, _ := f.m.Registry().Get(id)
	assert.Equal(t, clock.Now(), rec.LastActivity)
}

func TestStatus_TouchesLastActivity(t *testing.T) {
	clock := newManualClock()
	f := newFixture(t, clock)
	id, _ := f.create(t)

	clock.Advance(3 * time.Hour)
	st, err := f.m.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), st.LastActivity)
}

func TestClose_RemovesSessionAndCredentials(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, c := f.connect(t)
	c.Emit(protocol.CredentialsChanged([]byte("material")))
	require.Eventually(t, func() bool {
		ok, _ := f.store.Exists(ctx, id)
		return ok
	}, waitTimeout, pollEvery)

	require.NoError(t, f.m.Close(ctx, id))
	assert.True(t, c.Terminated())

	_, err := f.m.Status(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := f.store.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClose_IsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, _ := f.create(t)

	require.NoError(t, f.m.Close(ctx, id))
	require.NoError(t, f.m.Close(ctx, id))
	require.NoError(t, f.m.Close(ctx, "never-existed"))
	require.NoError(t, f.m.Close(ctx, "../not-an-id"))
}

func TestClose_CancelsPendingReconnect(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, c := f.connect(t)

	c.Emit(protocol.Disconnected("connection_lost", false))
	f.waitState(t, id, StatePending)
	require.NoError(t, f.m.Close(ctx, id))

	time.Sleep(10 * testDelay)
	assert.Equal(t, 1, f.factory.Creates(id))
	assert.Equal(t, 0, f.m.Registry().Len())
}

func TestClose_LateEventsAreDropped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, c := f.connect(t)

	require.NoError(t, f.m.Close(ctx, id))
	c.Emit(protocol.CredentialsChanged([]byte("late")))
	c.Emit(protocol.Connected())
	time.Sleep(5 * testDelay)

	_, ok := f.m.Registry().Get(id)
	assert.False(t, ok)
	exists, err := f.store.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClose_FailedDeleteKeepsSessionClosed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, c := f.connect(t)
	c.Emit(protocol.CredentialsChanged([]byte("material")))
	require.Eventually(t, func() bool {
		ok, _ := f.store.Exists(ctx, id)
		return ok
	}, waitTimeout, pollEvery)
	f.store.FailDelete(id, errors.New("disk full"))

	err := f.m.Close(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, c.Terminated())

	_, err = f.m.Status(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.m.SendText(ctx, id, "123@net", "hi")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.m.CompletePairing(ctx, id, "token"), ErrNotFound)
	_, err = f.m.CreateOrResume(ctx, id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, f.m.List())

	time.Sleep(5 * testDelay)
	assert.Equal(t, 1, f.factory.Creates(id), "a closed session must not be recreated")

	ok, err := f.store.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	f.store.FailDelete(id, nil)
	require.NoError(t, f.m.Close(ctx, id))
	assert.Equal(t, 0, f.m.Registry().Len())
	ok, err = f.store.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSupervisorPanic_IsIsolated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.store.PanicOnSave("explode")

	crashID, crashClient := f.connect(t)
	okID, okClient := f.connect(t)

	crashClient.Emit(protocol.CredentialsChanged([]byte("explode")))
	rec := f.waitState(t, crashID, StateDisconnected)
	assert.Contains(t, rec.LastError, "internal error")
	assert.True(t, crashClient.Terminated())
	checkInvariants(t, rec)

	okClient.SetExists(true)
	_, err := f.m.SendText(ctx, okID, "123@net", "still alive")
	require.NoError(t, err)

	// Closing the crashed session still works.
	require.NoError(t, f.m.Close(ctx, crashID))
	_, ok := f.m.Registry().Get(crashID)
	assert.False(t, ok)
}

func TestCompletePairing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, c := f.create(t)

	err := f.m.CompletePairing(ctx, id, "login-token")
	assert.ErrorIs(t, err, ErrNotPairing)

	c.Emit(protocol.Challenge("https://hs.example/_matrix/client/v3/login/sso/redirect"))
	f.waitState(t, id, StateAwaitingScan)

	assert.ErrorIs(t, f.m.CompletePairing(ctx, id, ""), ErrInvalidRequest)
	require.NoError(t, f.m.CompletePairing(ctx, id, "login-token"))
	f.waitState(t, id, StateConnected)

	require.Eventually(t, func() bool {
		got, err := f.store.Load(ctx, id)
		return err == nil && string(got) == "paired:login-token"
	}, waitTimeout, pollEvery)

	assert.ErrorIs(t, f.m.CompletePairing(ctx, "missing", "tok"), ErrNotFound)
}

func TestResumeAll(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, id := range []string{"alpha", "bravo", "charlie"} {
		require.NoError(t, f.store.Save(ctx, id, []byte("material-"+id)))
	}

	n, err := f.m.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, f.m.Registry().Len())

	for _, id := range []string{"alpha", "bravo", "charlie"} {
		c, err := f.factory.WaitForClient(id, 1, waitTimeout)
		require.NoError(t, err)
		assert.Equal(t, "material-"+id, string(c.Credentials))
	}

	// Running it again does not double-start anything.
	n, err = f.m.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	time.Sleep(5 * testDelay)
	assert.Equal(t, 1, f.factory.Creates("alpha"))
}

func TestShutdown_StopsClientsAndKeepsCredentials(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, c := f.connect(t)
	c.Emit(protocol.CredentialsChanged([]byte("material")))
	require.Eventually(t, func() bool {
		ok, _ := f.store.Exists(ctx, id)
		return ok
	}, waitTimeout, pollEvery)

	require.NoError(t, f.m.Shutdown(ctx))
	assert.True(t, c.Terminated())

	ok, err := f.store.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.m.CreateOrResume(ctx, "")
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, "unavailable", Kind(err))

	require.NoError(t, f.m.Shutdown(ctx), "shutdown is idempotent")
}

func TestShutdown_RetriesPendingCredentialDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, c := f.connect(t)
	c.Emit(protocol.CredentialsChanged([]byte("material")))
	require.Eventually(t, func() bool {
		ok, _ := f.store.Exists(ctx, id)
		return ok
	}, waitTimeout, pollEvery)

	f.store.FailDelete(id, errors.New("disk full"))
	require.Error(t, f.m.Close(ctx, id))
	f.store.FailDelete(id, nil)

	require.NoError(t, f.m.Shutdown(ctx))
	ok, err := f.store.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "closed session must not resume on next start")
	assert.Equal(t, 0, f.m.Registry().Len())
}

func TestConcurrentOperations_OnOneSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, c := f.connect(t)
	c.Emit(protocol.CredentialsChanged([]byte("material")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = f.m.Status(ctx, id)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.m.CreateOrResume(ctx, id)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.m.SendText(ctx, id, "123@net", "hi")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.m.Registry().Len())
	assert.Equal(t, 1, f.factory.Creates(id), "concurrent resumes must not start a second client")
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrNotFound, "not_found"},
		{ErrSessionNotFound, "session_not_found"},
		{ErrNotConnected, "not_connected"},
		{ErrDestinationUnknown, "destination_unknown"},
		{ErrInvalidRequest, "invalid_request"},
		{credentials.ErrInvalidID, "invalid_request"},
		{ErrNotPairing, "conflict"},
		{ErrPairingUnsupported, "conflict"},
		{protocol.ErrClientCreation, "client_creation"},
		{ErrSendFailed, "transport"},
		{ErrShutdown, "unavailable"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		name := tt.want
		if name == "" {
			name = "nil"
		}
		t.Run(name+"/"+strings.ReplaceAll(errString(tt.err), " ", "_"), func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
			if tt.err != nil {
				assert.Equal(t, tt.want, Kind(errors.Join(errors.New("context"), tt.err)))
			}
		})
	}
}

func errString(err error) string {
	if err == nil {
		return "nil"
	}
	return err.Error()
}
