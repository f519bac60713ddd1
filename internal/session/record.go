// ABOUTME: Session record value type and connection state enumeration
// ABOUTME: Records are replaced whole in the registry so readers never see a torn value

package session

import (
	"fmt"
	"time"

	"github.com/2389/courier-gateway/internal/protocol"
)

// State is the connection state of a session.
type State int

const (
	// StatePending means a client is being created or a reconnect is scheduled.
	StatePending State = iota
	// StateAwaitingScan means a pairing challenge is waiting for the operator.
	StateAwaitingScan
	// StateConnected means the client is live and can send.
	StateConnected
	// StateDisconnected means the session is dead until an explicit reconnect.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAwaitingScan:
		return "awaiting_scan"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StatePending, StateAwaitingScan, StateConnected, StateDisconnected} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Record is the registry entry for one session.
type Record struct {
	ID    string
	State State

	// Challenge is set only while State is StateAwaitingScan.
	Challenge string

	// Client is set only while State is StateConnected. It is owned by the
	// session's supervisor; holders of a Record must not terminate it.
	Client protocol.Client

	LastActivity time.Time
	CreatedAt    time.Time

	// LastError describes the most recent disconnect or creation failure.
	LastError string

	// Terminal is true when the credential was revoked or unusable. The
	// session stays Disconnected until an explicit create/resume re-pairs it.
	Terminal bool

	// Closing marks a closed or evicted session whose stored credentials
	// are not yet deleted. It is never resumed; the reaper retries the
	// delete and drops the record once it succeeds.
	Closing bool
}

// tombstone turns r into the Closing placeholder kept until its
// credentials are gone.
func (r *Record) tombstone() {
	r.State = StateDisconnected
	r.Challenge = ""
	r.Client = nil
	r.Terminal = true
	r.Closing = true
}

// Status is the caller-facing view of a Record.
type Status struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	Challenge    string    `json:"challenge,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	LastError    string    `json:"last_error,omitempty"`
	Terminal     bool      `json:"terminal,omitempty"`
}

func (r Record) status() Status {
	return Status{
		ID:           r.ID,
		State:        r.State,
		Challenge:    r.Challenge,
		LastActivity: r.LastActivity,
		CreatedAt:    r.CreatedAt,
		LastError:    r.LastError,
		Terminal:     r.Terminal,
	}
}
