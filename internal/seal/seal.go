// Package seal provides authenticated symmetric encryption for data at
// rest. The audit store uses it to persist call arguments and payloads
// sealed when a key is configured, since tool traffic can carry user
// profile and portfolio data.
package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// nonceSize is the secretbox nonce length prepended to sealed blobs.
const nonceSize = 24

// Sealer encrypts and decrypts blobs with a key derived from a
// configured secret. Safe for concurrent use.
type Sealer struct {
	key [32]byte
}

// New derives a sealing key from the secret. An empty secret is
// rejected; callers that want plaintext storage pass a nil Sealer
// around instead.
func New(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, fmt.Errorf("seal secret must not be empty")
	}
	return &Sealer{key: sha256.Sum256([]byte(secret))}, nil
}

// Seal encrypts plain, prepending a random nonce.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &s.key), nil
}

// Open decrypts a blob produced by Seal. Fails if the blob was sealed
// with a different key or has been tampered with.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed blob too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("open sealed blob: authentication failed")
	}
	return plain, nil
}
