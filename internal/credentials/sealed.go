// ABOUTME: Store decorator that encrypts credential material at rest
// ABOUTME: XChaCha20-Poly1305 with an HKDF-derived key; the session id is bound as associated data

package credentials

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealInfo = "courier-gateway credentials v1"

// Sealed wraps a Store and encrypts material before it reaches the backend.
type Sealed struct {
	Store
	aead cipher.AEAD
}

// NewSealed derives an encryption key from secret and wraps inner.
func NewSealed(inner Store, secret []byte) (*Sealed, error) {
	if len(secret) < 16 {
		return nil, errors.New("encryption key must be at least 16 bytes")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving encryption key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &Sealed{Store: inner, aead: aead}, nil
}

// Load decrypts the stored material. Tampered or foreign ciphertext yields ErrCorrupt.
func (s *Sealed) Load(ctx context.Context, sessionID string) ([]byte, error) {
	sealed, err := s.Store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCorrupt)
	}
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(sessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return plain, nil
}

// Save encrypts material with a fresh random nonce.
func (s *Sealed) Save(ctx context.Context, sessionID string, material []byte) error {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(material)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	return s.Store.Save(ctx, sessionID, s.aead.Seal(nonce, nonce, material, []byte(sessionID)))
}
