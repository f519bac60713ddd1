// ABOUTME: Per-session connection supervisor driving the state machine as an actor
// ABOUTME: Client events, reconnect timers and stop requests flow through one FIFO mailbox

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/2389/courier-gateway/internal/credentials"
	"github.com/2389/courier-gateway/internal/protocol"
)

type messageKind int

const (
	msgConnect messageKind = iota
	msgEvent
	msgReconnect
	msgStop
)

type message struct {
	kind  messageKind
	gen   uint64
	event protocol.Event
}

// supervisor owns the protocol client of one session. Everything that
// mutates the session runs on the run goroutine, one message at a time.
type supervisor struct {
	id     string
	m      *Manager
	logger *slog.Logger

	mu      sync.Mutex
	queue   []message
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	clientMu sync.Mutex
	client   protocol.Client

	// Owned by the run goroutine.
	gen      uint64
	retryGen uint64
	timer    *time.Timer
}

func newSupervisor(m *Manager, id string) *supervisor {
	return &supervisor{
		id:     id,
		m:      m,
		logger: m.logger.With("session_id", id),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// post enqueues msg without blocking. It reports false once the supervisor
// has exited.
func (s *supervisor) post(msg message) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *supervisor) next() []message {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			return batch
		}
		s.mu.Unlock()
		<-s.wake
	}
}

// stop terminates the client, cancels any scheduled reconnect and waits for
// the run goroutine to exit.
func (s *supervisor) stop() {
	_ = s.stopContext(context.Background())
}

// stopContext queues a stop and waits for the run goroutine to exit or ctx
// to end. The stop stays queued either way.
func (s *supervisor) stopContext(ctx context.Context) error {
	s.post(message{kind: msgStop})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *supervisor) current() protocol.Client {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return s.client
}

func (s *supervisor) setClient(c protocol.Client) {
	s.clientMu.Lock()
	s.client = c
	s.clientMu.Unlock()
}

func (s *supervisor) run() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("supervisor panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			s.stopTimer()
			s.terminate()
			s.update(func(rec *Record) {
				rec.State = StateDisconnected
				rec.Challenge = ""
				rec.Client = nil
				rec.LastError = fmt.Sprintf("internal error: %v", r)
			})
		}

		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	}()

	for {
		for _, msg := range s.next() {
			if s.handle(msg) {
				return
			}
		}
	}
}

// handle processes one message and reports whether the supervisor should exit.
func (s *supervisor) handle(msg message) bool {
	switch msg.kind {
	case msgConnect:
		s.connect()
	case msgReconnect:
		if msg.gen != s.retryGen {
			return false
		}
		s.timer = nil
		s.logger.Info("reconnecting")
		s.connect()
	case msgEvent:
		if msg.gen != s.gen {
			s.logger.Debug("ignoring event from superseded client", "event", msg.event.Kind.String())
			return false
		}
		s.handleEvent(msg.event)
	case msgStop:
		s.stopTimer()
		s.terminate()
		return true
	}
	return false
}

// connect loads stored material and asks the factory for a new client.
func (s *supervisor) connect() {
	s.stopTimer()
	s.terminate()
	s.gen++
	gen := s.gen

	s.update(func(rec *Record) {
		rec.State = StatePending
		rec.Challenge = ""
		rec.Client = nil
	})

	ctx, cancel := context.WithTimeout(s.m.ctx, s.m.connectTimeout)
	defer cancel()
	material, err := s.m.store.Load(ctx, s.id)
	switch {
	case errors.Is(err, credentials.ErrNotFound):
		material = nil
	case errors.Is(err, credentials.ErrCorrupt):
		s.fail(fmt.Errorf("%w: %w", protocol.ErrClientCreation, err))
		return
	case err != nil:
		s.logger.Warn("loading credentials failed, will retry", "error", err)
		s.scheduleReconnect(err.Error())
		return
	}

	sink := func(ev protocol.Event) {
		s.post(message{kind: msgEvent, gen: gen, event: ev})
	}
	client, err := s.m.factory.Create(ctx, protocol.Params{SessionID: s.id, Credentials: material}, sink)
	if err != nil {
		if errors.Is(err, protocol.ErrClientCreation) {
			s.fail(err)
			return
		}
		s.logger.Warn("client creation failed, will retry", "error", err)
		s.scheduleReconnect(err.Error())
		return
	}

	s.setClient(client)
	s.logger.Debug("client created", "generation", gen, "resumed", material != nil)
}

// fail marks the session dead. It stays Disconnected until an explicit
// create/resume pairs it again.
func (s *supervisor) fail(err error) {
	s.logger.Error("client creation failed, session needs pairing", "error", err)
	s.update(func(rec *Record) {
		rec.State = StateDisconnected
		rec.Challenge = ""
		rec.Client = nil
		rec.LastError = err.Error()
		rec.Terminal = true
	})
}

func (s *supervisor) handleEvent(ev protocol.Event) {
	now := s.m.now()

	switch ev.Kind {
	case protocol.EventChallenge:
		if ev.Challenge == "" {
			s.logger.Warn("ignoring empty challenge")
			return
		}
		s.logger.Info("pairing challenge issued")
		s.update(func(rec *Record) {
			rec.State = StateAwaitingScan
			rec.Challenge = ev.Challenge
			rec.Client = nil
			rec.LastActivity = now
		})

	case protocol.EventConnected:
		client := s.current()
		s.logger.Info("session connected")
		s.update(func(rec *Record) {
			rec.State = StateConnected
			rec.Challenge = ""
			rec.Client = client
			rec.LastError = ""
			rec.Terminal = false
			rec.LastActivity = now
		})

	case protocol.EventDisconnected:
		s.terminate()
		// Later events from the dropped client are stale.
		s.gen++

		if ev.Terminal {
			s.logger.Warn("session logged out, not reconnecting", "reason", ev.Reason)
			s.update(func(rec *Record) {
				rec.State = StateDisconnected
				rec.Challenge = ""
				rec.Client = nil
				rec.LastError = ev.Reason
				rec.Terminal = true
				rec.LastActivity = now
			})
			return
		}

		s.logger.Info("session disconnected, scheduling reconnect",
			"reason", ev.Reason,
			"delay", s.m.reconnectDelay,
		)
		s.touch(now)
		s.scheduleReconnect(ev.Reason)

	case protocol.EventCredentialsChanged:
		if rec, ok := s.m.registry.Get(s.id); !ok || rec.Closing {
			s.logger.Debug("dropping credentials of closed session")
			return
		}
		ctx, cancel := context.WithTimeout(s.m.ctx, s.m.connectTimeout)
		defer cancel()
		if err := s.m.store.Save(ctx, s.id, ev.Credentials); err != nil {
			s.logger.Error("persisting credentials failed", "error", err)
		}
		s.touch(now)
	}
}

// scheduleReconnect moves the session to Pending and arms the reconnect
// timer. The timer only posts into the mailbox.
func (s *supervisor) scheduleReconnect(reason string) {
	s.update(func(rec *Record) {
		rec.State = StatePending
		rec.Challenge = ""
		rec.Client = nil
		rec.LastError = reason
	})

	s.stopTimer()
	s.retryGen++
	gen := s.retryGen
	s.timer = time.AfterFunc(s.m.reconnectDelay, func() {
		s.post(message{kind: msgReconnect, gen: gen})
	})
}

func (s *supervisor) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.retryGen++
}

// terminate closes the current client. Failures and panics are logged.
func (s *supervisor) terminate() {
	client := s.current()
	if client == nil {
		return
	}
	s.setClient(nil)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("client terminate panicked", "panic", r)
		}
	}()
	if err := client.Terminate(); err != nil {
		s.logger.Warn("client terminate failed", "error", err)
	}
}

// update replaces the registry record. A missing or Closing record means
// the session was closed or evicted and nothing is written.
func (s *supervisor) update(fn func(*Record)) {
	s.m.registry.UpdateIf(s.id, isLive, fn)
}

func (s *supervisor) touch(now time.Time) {
	s.update(func(rec *Record) {
		rec.LastActivity = now
	})
}

// pairer returns the current client if it supports out-of-band pairing.
func (s *supervisor) pairer() (protocol.Pairer, bool) {
	p, ok := s.current().(protocol.Pairer)
	return p, ok
}

// exited reports whether the run goroutine has returned.
func (s *supervisor) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// waitExit blocks until the supervisor exits or ctx is done.
func (s *supervisor) waitExit(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
