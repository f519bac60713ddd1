// ABOUTME: Typed outcomes returned by the session manager to its callers
// ABOUTME: Kind maps any error to the stable outcome code the transport layer reports

package session

import (
	"errors"

	"github.com/2389/courier-gateway/internal/credentials"
	"github.com/2389/courier-gateway/internal/protocol"
)

// ErrNotFound indicates no such session exists in memory or in storage.
var ErrNotFound = errors.New("session not found")

// ErrSessionNotFound indicates a resume was requested but no credential
// material is stored for the id. The caller must pair again.
var ErrSessionNotFound = errors.New("no stored credentials for session")

// ErrNotConnected indicates the session exists but is not in the Connected state.
var ErrNotConnected = errors.New("session not connected")

// ErrDestinationUnknown indicates the destination address is not registered on the network.
var ErrDestinationUnknown = errors.New("destination not registered")

// ErrSendFailed wraps transport errors returned by the client during a send.
var ErrSendFailed = errors.New("send failed")

// ErrInvalidRequest indicates missing or malformed operation input.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNotPairing indicates a pairing completion for a session that is not awaiting one.
var ErrNotPairing = errors.New("session is not awaiting pairing")

// ErrPairingUnsupported indicates the client backend has no out-of-band pairing step.
var ErrPairingUnsupported = errors.New("pairing completion not supported by client")

// ErrShutdown is returned once the manager has been shut down.
var ErrShutdown = errors.New("session manager shut down")

// Kind returns the outcome code for err. Unknown errors map to "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrDestinationUnknown):
		return "destination_unknown"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, credentials.ErrInvalidID):
		return "invalid_request"
	case errors.Is(err, ErrNotPairing), errors.Is(err, ErrPairingUnsupported):
		return "conflict"
	case errors.Is(err, protocol.ErrClientCreation), errors.Is(err, credentials.ErrCorrupt):
		return "client_creation"
	case errors.Is(err, ErrSendFailed):
		return "transport"
	case errors.Is(err, ErrShutdown):
		return "unavailable"
	default:
		return "internal"
	}
}
