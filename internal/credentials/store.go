// ABOUTME: Store interface for per-session authentication material
// ABOUTME: Material is an opaque blob keyed by session id; backends are file, SQLite, Redis

package credentials

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrNotFound is returned when no material is stored for a session.
var ErrNotFound = errors.New("credentials not found")

// ErrInvalidID is returned for session ids that cannot be used as storage keys.
var ErrInvalidID = errors.New("invalid session id")

// ErrCorrupt is returned when stored material fails integrity checks.
var ErrCorrupt = errors.New("credentials corrupt")

// Store persists opaque credential material keyed by session id.
type Store interface {
	// Load returns the stored material or ErrNotFound.
	Load(ctx context.Context, sessionID string) ([]byte, error)

	// Save replaces the stored material for sessionID.
	Save(ctx context.Context, sessionID string, material []byte) error

	// Delete removes the material. Deleting an absent entry is not an error.
	Delete(ctx context.Context, sessionID string) error

	// Exists reports whether material is stored for sessionID.
	Exists(ctx context.Context, sessionID string) (bool, error)

	// List returns the ids of every session with stored material.
	List(ctx context.Context) ([]string, error)

	// Close releases any resources held by the store
	Close() error
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidID reports whether id is usable as a storage key.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

func checkID(id string) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
