// ABOUTME: Gateway facade over the registry, supervisors and credential store
// ABOUTME: Provides create/resume, status, send, close, pairing completion and boot-time resume

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/courier-gateway/internal/credentials"
	"github.com/2389/courier-gateway/internal/protocol"
)

// DefaultReconnectDelay is the fixed wait before re-creating a dropped client.
const DefaultReconnectDelay = 5 * time.Second

// DefaultConnectTimeout bounds loading credentials and creating a client.
const DefaultConnectTimeout = 30 * time.Second

const (
	defaultDocumentMimeType = "application/pdf"
	defaultDocumentFileName = "document.pdf"
)

// Options configures a Manager.
type Options struct {
	Factory protocol.Factory
	Store   credentials.Store
	Logger  *slog.Logger

	// Registry is optional; a fresh one is created when nil.
	Registry *Registry

	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration

	// ConnectTimeout defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Result is returned by CreateOrResume.
type Result struct {
	ID        string `json:"id"`
	Challenge string `json:"challenge,omitempty"`
	State     State  `json:"state"`
	Resumed   bool   `json:"resumed"`
}

// Manager coordinates every session of the gateway.
type Manager struct {
	factory        protocol.Factory
	store          credentials.Store
	registry       *Registry
	logger         *slog.Logger
	reconnectDelay time.Duration
	connectTimeout time.Duration
	now            func() time.Time

	locks *keyedMutex

	mu          sync.Mutex
	supervisors map[string]*supervisor
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a Manager. Factory and Store are required.
func NewManager(opts Options) (*Manager, error) {
	if opts.Factory == nil {
		return nil, errors.New("protocol factory is required")
	}
	if opts.Store == nil {
		return nil, errors.New("credential store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		factory:        opts.Factory,
		store:          opts.Store,
		registry:       opts.Registry,
		logger:         opts.Logger.With("component", "sessions"),
		reconnectDelay: opts.ReconnectDelay,
		connectTimeout: opts.ConnectTimeout,
		now:            opts.Now,
		locks:          newKeyedMutex(),
		supervisors:    make(map[string]*supervisor),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Registry returns the registry backing this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// CreateOrResume resumes existingID, or creates a fresh session when
// existingID is empty. A resume without stored material returns
// ErrSessionNotFound; callers decide whether to create a fresh session.
func (m *Manager) CreateOrResume(ctx context.Context, existingID string) (Result, error) {
	if existingID == "" {
		id := NewID()
		unlock := m.locks.Lock(id)
		defer unlock()

		rec, err := m.startLocked(ctx, id, false)
		if err != nil {
			return Result{}, err
		}
		m.logger.Info("session created", "session_id", id)
		return Result{ID: id, Challenge: rec.Challenge, State: rec.State}, nil
	}

	if !credentials.ValidID(existingID) {
		return Result{}, ErrSessionNotFound
	}

	unlock := m.locks.Lock(existingID)
	defer unlock()

	rec, ok := m.registry.Get(existingID)
	if ok && rec.Closing {
		return Result{}, ErrSessionNotFound
	}
	if ok && rec.Terminal {
		m.logger.Info("restarting dead session with fresh pairing", "session_id", existingID, "last_error", rec.LastError)
		rec, err := m.restartLocked(ctx, existingID)
		if err != nil {
			return Result{}, err
		}
		return Result{ID: existingID, Challenge: rec.Challenge, State: rec.State, Resumed: true}, nil
	}

	rec, err := m.startLocked(ctx, existingID, true)
	if err != nil {
		return Result{}, err
	}
	if touched, ok := m.touch(existingID); ok {
		rec = touched
	}
	return Result{ID: existingID, Challenge: rec.Challenge, State: rec.State, Resumed: true}, nil
}

// startLocked starts a supervisor for id unless one is already running.
// The caller holds the per-id lock.
func (m *Manager) startLocked(ctx context.Context, id string, resume bool) (Record, error) {
	if rec, ok := m.registry.Get(id); ok {
		if rec.Closing {
			return Record{}, ErrSessionNotFound
		}
		if sup := m.supervisor(id); sup != nil && !sup.exited() {
			return rec, nil
		}
		// The previous supervisor crashed; fall through and replace it.
		m.registry.Delete(id)
	}

	if resume {
		exists, err := m.store.Exists(ctx, id)
		if err != nil {
			return Record{}, fmt.Errorf("checking stored credentials: %w", err)
		}
		if !exists {
			return Record{}, ErrSessionNotFound
		}
	}

	now := m.now()
	rec := Record{
		ID:           id,
		State:        StatePending,
		LastActivity: now,
		CreatedAt:    now,
	}
	if err := m.spawn(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// restartLocked discards the dead session's material and pairs it again
// under the same id. The caller holds the per-id lock.
func (m *Manager) restartLocked(ctx context.Context, id string) (Record, error) {
	if sup := m.takeSupervisor(id); sup != nil {
		sup.stop()
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return Record{}, fmt.Errorf("discarding revoked credentials: %w", err)
	}

	now := m.now()
	rec := Record{ID: id, State: StatePending, LastActivity: now, CreatedAt: now}
	if old, ok := m.registry.Get(id); ok {
		rec.CreatedAt = old.CreatedAt
	}
	if err := m.spawn(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (m *Manager) spawn(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShutdown
	}

	m.registry.Set(rec)
	sup := newSupervisor(m, rec.ID)
	m.supervisors[rec.ID] = sup
	go sup.run()
	sup.post(message{kind: msgConnect})
	return nil
}

func (m *Manager) supervisor(id string) *supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supervisors[id]
}

func (m *Manager) takeSupervisor(id string) *supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	sup := m.supervisors[id]
	delete(m.supervisors, id)
	return sup
}

// lookup returns the record for id, lazily resuming it from storage when it
// is absent in memory.
func (m *Manager) lookup(ctx context.Context, id string) (Record, error) {
	if rec, ok := m.registry.Get(id); ok {
		if rec.Closing {
			return Record{}, ErrNotFound
		}
		return rec, nil
	}
	if !credentials.ValidID(id) {
		return Record{}, ErrNotFound
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	rec, err := m.startLocked(ctx, id, true)
	if errors.Is(err, ErrSessionNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	m.logger.Info("session resumed on demand", "session_id", id)
	return rec, nil
}

func (m *Manager) touch(id string) (Record, bool) {
	now := m.now()
	return m.registry.UpdateIf(id, isLive, func(r *Record) {
		r.LastActivity = now
	})
}

func isLive(r Record) bool { return !r.Closing }

func isClosing(r Record) bool { return r.Closing }

// Status reports the state of id, resuming it from storage if needed.
func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	if _, err := m.lookup(ctx, id); err != nil {
		return Status{}, err
	}
	rec, ok := m.touch(id)
	if !ok {
		return Status{}, ErrNotFound
	}
	return rec.status(), nil
}

// connected returns the live client of id or ErrNotConnected. No network
// call is made when the session is not connected.
func (m *Manager) connected(ctx context.Context, id string) (protocol.Client, error) {
	rec, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	m.touch(id)
	if rec.State != StateConnected || rec.Client == nil {
		return nil, fmt.Errorf("%w: state is %s", ErrNotConnected, rec.State)
	}
	return rec.Client, nil
}

// SendText verifies destination exists on the network and sends text to it.
func (m *Manager) SendText(ctx context.Context, id, destination, text string) (protocol.Receipt, error) {
	if destination == "" || text == "" {
		return protocol.Receipt{}, fmt.Errorf("%w: destination and text are required", ErrInvalidRequest)
	}

	client, err := m.connected(ctx, id)
	if err != nil {
		return protocol.Receipt{}, err
	}

	exists, err := client.CheckExists(ctx, destination)
	if err != nil {
		return protocol.Receipt{}, fmt.Errorf("%w: checking destination: %w", ErrSendFailed, err)
	}
	if !exists {
		return protocol.Receipt{}, fmt.Errorf("%w: %s", ErrDestinationUnknown, destination)
	}

	receipt, err := client.Send(ctx, destination, protocol.Message{Text: text})
	if err != nil {
		return protocol.Receipt{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	m.touch(id)
	m.logger.Debug("text sent", "session_id", id, "message_id", receipt.MessageID)
	return receipt, nil
}

// SendDocument sends a document referenced by URL. Missing file name and
// MIME type default to a PDF.
func (m *Manager) SendDocument(ctx context.Context, id, destination string, doc protocol.Document) (protocol.Receipt, error) {
	if destination == "" || strings.TrimSpace(doc.URL) == "" {
		return protocol.Receipt{}, fmt.Errorf("%w: destination and document url are required", ErrInvalidRequest)
	}
	if doc.MimeType == "" {
		doc.MimeType = defaultDocumentMimeType
	}
	if doc.FileName == "" {
		doc.FileName = defaultDocumentFileName
	}

	client, err := m.connected(ctx, id)
	if err != nil {
		return protocol.Receipt{}, err
	}

	receipt, err := client.Send(ctx, destination, protocol.Message{Document: &doc})
	if err != nil {
		return protocol.Receipt{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	m.touch(id)
	m.logger.Debug("document sent", "session_id", id, "message_id", receipt.MessageID)
	return receipt, nil
}

// CompletePairing hands an out-of-band pairing token to the client of a
// session that is awaiting pairing.
func (m *Manager) CompletePairing(ctx context.Context, id, token string) error {
	if token == "" {
		return fmt.Errorf("%w: pairing token is required", ErrInvalidRequest)
	}
	rec, ok := m.registry.Get(id)
	if !ok || rec.Closing {
		return ErrNotFound
	}
	if rec.State != StateAwaitingScan {
		return fmt.Errorf("%w: state is %s", ErrNotPairing, rec.State)
	}

	sup := m.supervisor(id)
	if sup == nil {
		return ErrNotFound
	}
	pairer, ok := sup.pairer()
	if !ok {
		return ErrPairingUnsupported
	}

	m.touch(id)
	if err := pairer.CompletePairing(ctx, token); err != nil {
		return fmt.Errorf("completing pairing: %w", err)
	}
	return nil
}

// Close terminates the session and deletes its stored credentials. Closing
// an unknown id is a no-op. If the delete fails the id stays blocked as a
// Closing record until a later Close or sweep removes the credentials.
func (m *Manager) Close(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	if !credentials.ValidID(id) {
		m.registry.Delete(id)
		m.stopSupervisor(ctx, id)
		return nil
	}

	now := m.now()
	rec, ok := m.registry.Get(id)
	if !ok {
		rec = Record{ID: id, LastActivity: now, CreatedAt: now}
	}
	rec.tombstone()
	m.registry.Set(rec)
	m.stopSupervisor(ctx, id)

	if err := m.purge(ctx, id); err != nil {
		return err
	}
	m.logger.Info("session closed", "session_id", id)
	return nil
}

// evict removes id if it has been idle since before cutoff, or finishes a
// Closing record left by an earlier failed delete. It reports whether the
// session is gone.
func (m *Manager) evict(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	if _, ok := m.registry.UpdateIf(id, func(r Record) bool {
		return r.Closing || r.LastActivity.Before(cutoff)
	}, (*Record).tombstone); !ok {
		return false, nil
	}

	m.stopSupervisor(ctx, id)
	if err := m.purge(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// stopSupervisor detaches the supervisor of id and waits for it to exit
// until ctx is done. A supervisor still busy after that exits on its own
// once its current step returns.
func (m *Manager) stopSupervisor(ctx context.Context, id string) {
	sup := m.takeSupervisor(id)
	if sup == nil {
		return
	}
	if err := sup.stopContext(ctx); err != nil {
		m.logger.Warn("session supervisor still busy, detached", "session_id", id, "error", err)
	}
}

// purge deletes the credentials of a Closing record and then drops the
// record. The caller holds the per-id lock.
func (m *Manager) purge(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		err = fmt.Errorf("deleting credentials: %w", err)
		m.registry.UpdateIf(id, isClosing, func(r *Record) {
			r.LastError = err.Error()
		})
		return err
	}
	m.registry.DeleteIf(id, isClosing)
	return nil
}

// List returns the status of every in-memory session.
func (m *Manager) List() []Status {
	snap := m.registry.Snapshot()
	out := make([]Status, 0, len(snap))
	for _, rec := range snap {
		if rec.Closing {
			continue
		}
		out = append(out, rec.status())
	}
	return out
}

// ResumeAll starts a supervisor for every session with stored credentials.
// Failures are logged per id; the number of resumed sessions is returned.
func (m *Manager) ResumeAll(ctx context.Context) (int, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing stored sessions: %w", err)
	}

	resumed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		unlock := m.locks.Lock(id)
		_, err := m.startLocked(ctx, id, true)
		unlock()
		if err != nil {
			m.logger.Warn("failed to resume stored session", "session_id", id, "error", err)
			continue
		}
		resumed++
	}

	m.logger.Info("stored sessions resumed", "count", resumed, "stored", len(ids))
	return resumed, nil
}

// Shutdown stops every supervisor and terminates their clients. Stored
// credentials are kept so the sessions resume on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sups := make([]*supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		sups = append(sups, sup)
	}
	m.supervisors = make(map[string]*supervisor)
	m.mu.Unlock()

	for _, sup := range sups {
		go sup.stop()
	}

	var err error
	for _, sup := range sups {
		if werr := sup.waitExit(ctx); werr != nil {
			err = fmt.Errorf("waiting for sessions to stop: %w", werr)
			break
		}
	}
	m.cancel()

	for _, rec := range m.registry.Snapshot() {
		if !rec.Closing {
			continue
		}
		unlock := m.locks.Lock(rec.ID)
		if perr := m.purge(ctx, rec.ID); perr != nil {
			m.logger.Error("credentials of closed session left in store", "session_id", rec.ID, "error", perr)
		}
		unlock()
	}

	m.logger.Info("session manager stopped", "sessions", len(sups))
	return err
}
