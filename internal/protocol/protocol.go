// ABOUTME: Capability interfaces for the messaging-network client a session drives
// ABOUTME: Defines Client, Factory, lifecycle Event types and the send payload/receipt

package protocol

import (
	"context"
	"errors"
	"time"
)

// ErrClientCreation indicates the stored credential material is malformed or
// incompatible. The session cannot be recovered without pairing again.
var ErrClientCreation = errors.New("client creation failed")

// ReasonLoggedOut is the disconnect reason reported when the remote network
// revoked the credential.
const ReasonLoggedOut = "logged_out"

// EventKind identifies a lifecycle event emitted by a Client.
type EventKind int

const (
	EventChallenge EventKind = iota
	EventConnected
	EventDisconnected
	EventCredentialsChanged
)

func (k EventKind) String() string {
	switch k {
	case EventChallenge:
		return "challenge"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventCredentialsChanged:
		return "credentials_changed"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification from a Client. Only the fields relevant
// to Kind are populated.
type Event struct {
	Kind EventKind

	// Challenge is the pairing payload (QR content or login URL) for EventChallenge.
	Challenge string

	// Reason and Terminal describe an EventDisconnected. Terminal disconnects
	// must never be retried.
	Reason   string
	Terminal bool

	// Credentials is the new opaque material for EventCredentialsChanged.
	Credentials []byte
}

// Challenge builds an EventChallenge.
func Challenge(payload string) Event {
	return Event{Kind: EventChallenge, Challenge: payload}
}

// Connected builds an EventConnected.
func Connected() Event {
	return Event{Kind: EventConnected}
}

// Disconnected builds an EventDisconnected.
func Disconnected(reason string, terminal bool) Event {
	return Event{Kind: EventDisconnected, Reason: reason, Terminal: terminal}
}

// CredentialsChanged builds an EventCredentialsChanged.
func CredentialsChanged(material []byte) Event {
	return Event{Kind: EventCredentialsChanged, Credentials: material}
}

// EventSink receives events from a Client. Implementations must not block.
type EventSink func(Event)

// Document describes a file attachment referenced by URL.
type Document struct {
	URL      string
	FileName string
	MimeType string
	Caption  string
}

// Message is an outbound payload: either Text or Document is set.
type Message struct {
	Text     string
	Document *Document
}

// Receipt acknowledges an accepted outbound message.
type Receipt struct {
	MessageID   string    `json:"message_id"`
	Destination string    `json:"destination"`
	Timestamp   time.Time `json:"timestamp"`
}

// Client is a live connection to the messaging network for one session.
type Client interface {
	// CheckExists reports whether destination is a known address on the network.
	CheckExists(ctx context.Context, destination string) (bool, error)

	// Send dispatches msg to destination. Network failures are returned as-is
	// and are not retried.
	Send(ctx context.Context, destination string, msg Message) (Receipt, error)

	// Terminate closes the connection and releases resources. Stored
	// credentials are left untouched.
	Terminate() error
}

// Pairer is implemented by clients whose challenge is completed out of band
// with a token (for example an SSO login redirect).
type Pairer interface {
	CompletePairing(ctx context.Context, token string) error
}

// Params carries everything a Factory needs to build a Client.
type Params struct {
	SessionID string

	// Credentials is the stored material, or nil for a fresh pairing.
	Credentials []byte
}

// Factory builds Clients. Create must return without waiting for the
// connection to be established; progress is reported through sink.
type Factory interface {
	Create(ctx context.Context, params Params, sink EventSink) (Client, error)
}
