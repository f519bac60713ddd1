// ABOUTME: Session id generation
// ABOUTME: Ids carry 128 bits from crypto/rand, hex encoded

package session

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a fresh 32-character session id.
func NewID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
