// ABOUTME: Scriptable in-memory protocol Factory and Client for tests
// ABOUTME: Records create/send/terminate calls and lets tests emit lifecycle events

package protocoltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/2389/courier-gateway/internal/protocol"
)

// Sent records one outbound message accepted by a fake Client.
type Sent struct {
	Destination string
	Message     protocol.Message
}

// Factory is a protocol.Factory whose clients are driven by the test.
type Factory struct {
	mu        sync.Mutex
	clients   map[string][]*Client
	createErr map[string]error

	// OnCreate, when set, runs synchronously after each client is built.
	OnCreate func(c *Client)
}

// NewFactory creates an empty fake factory.
func NewFactory() *Factory {
	return &Factory{
		clients:   make(map[string][]*Client),
		createErr: make(map[string]error),
	}
}

// Create implements protocol.Factory.
func (f *Factory) Create(_ context.Context, params protocol.Params, sink protocol.EventSink) (protocol.Client, error) {
	f.mu.Lock()
	if err, ok := f.createErr[params.SessionID]; ok {
		delete(f.createErr, params.SessionID)
		f.mu.Unlock()
		return nil, err
	}

	c := &Client{
		SessionID:   params.SessionID,
		Credentials: append([]byte(nil), params.Credentials...),
		sink:        sink,
		exists:      true,
	}
	f.clients[params.SessionID] = append(f.clients[params.SessionID], c)
	hook := f.OnCreate
	f.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	return c, nil
}

// FailNext makes the next Create for sessionID return err.
func (f *Factory) FailNext(sessionID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr[sessionID] = err
}

// Creates returns how many clients were built for sessionID.
func (f *Factory) Creates(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients[sessionID])
}

// Latest returns the most recent client built for sessionID, or nil.
func (f *Factory) Latest(sessionID string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.clients[sessionID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// WaitForClient polls until the n-th client for sessionID exists.
func (f *Factory) WaitForClient(sessionID string, n int, timeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		list := f.clients[sessionID]
		if len(list) >= n {
			c := list[n-1]
			f.mu.Unlock()
			return c, nil
		}
		f.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("client %d for %s not created within %v", n, sessionID, timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// Client is a fake protocol.Client.
type Client struct {
	SessionID   string
	Credentials []byte

	mu             sync.Mutex
	sink           protocol.EventSink
	exists         bool
	sendErr        error
	terminateErr   error
	terminatePanic bool
	checks         int
	sent           []Sent
	terminated     bool
	pairTokens     []string
}

// Emit delivers ev to the session's sink as the real client would.
func (c *Client) Emit(ev protocol.Event) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	sink(ev)
}

// SetExists sets the CheckExists result.
func (c *Client) SetExists(exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exists = exists
}

// SetSendError makes Send fail with err.
func (c *Client) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// SetTerminateError makes Terminate fail with err.
func (c *Client) SetTerminateError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateErr = err
}

// PanicOnTerminate makes Terminate panic.
func (c *Client) PanicOnTerminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminatePanic = true
}

// CheckExists implements protocol.Client.
func (c *Client) CheckExists(_ context.Context, _ string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks++
	return c.exists, nil
}

// Send implements protocol.Client.
func (c *Client) Send(_ context.Context, destination string, msg protocol.Message) (protocol.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return protocol.Receipt{}, c.sendErr
	}
	c.sent = append(c.sent, Sent{Destination: destination, Message: msg})
	return protocol.Receipt{
		MessageID:   fmt.Sprintf("%s-%d", c.SessionID, len(c.sent)),
		Destination: destination,
		Timestamp:   time.Now(),
	}, nil
}

// Terminate implements protocol.Client.
func (c *Client) Terminate() error {
	c.mu.Lock()
	c.terminated = true
	panicking := c.terminatePanic
	err := c.terminateErr
	c.mu.Unlock()

	if panicking {
		panic("terminate exploded")
	}
	return err
}

// CompletePairing implements protocol.Pairer: it reports new credentials
// followed by a successful connection.
func (c *Client) CompletePairing(_ context.Context, token string) error {
	if token == "" {
		return errors.New("empty pairing token")
	}
	c.mu.Lock()
	c.pairTokens = append(c.pairTokens, token)
	c.mu.Unlock()

	c.Emit(protocol.CredentialsChanged([]byte("paired:" + token)))
	c.Emit(protocol.Connected())
	return nil
}

// CheckCalls returns how many existence checks were made.
func (c *Client) CheckCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checks
}

// Sent returns a copy of the accepted messages.
func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

// Terminated reports whether Terminate was called.
func (c *Client) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}
