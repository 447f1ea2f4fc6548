// Package vault seals secrets with envelope encryption: each secret gets a
// fresh AES-256-GCM data key, and the data key is wrapped by a master key.
// Sealed values are opaque references safe to persist.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keySize = 32
	version = "v1"
)

// ErrMalformed is returned for references that were not produced by Seal.
var ErrMalformed = errors.New("vault: malformed sealed reference")

// Sealer hides and reveals secrets.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(ref string) ([]byte, error)
}

// Envelope is a Sealer backed by a keyring of master keys. New secrets are
// wrapped with the active key; older keys stay available for Open.
type Envelope struct {
	activeID string
	keys     map[string][]byte
}

// NewEnvelope creates an envelope sealer whose active master key is key.
func NewEnvelope(keyID string, key []byte) (*Envelope, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", keySize, len(key))
	}
	if keyID == "" || strings.Contains(keyID, ":") {
		return nil, fmt.Errorf("vault: invalid key id %q", keyID)
	}
	return &Envelope{activeID: keyID, keys: map[string][]byte{keyID: key}}, nil
}

// AddKey registers a retired master key for opening older references.
func (e *Envelope) AddKey(keyID string, key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("vault: master key must be %d bytes, got %d", keySize, len(key))
	}
	e.keys[keyID] = key
	return nil
}

// Seal encrypts plaintext. The reference format is
// v1:<keyID>:<hex wrapped data key>:<hex ciphertext>.
func (e *Envelope) Seal(plaintext []byte) (string, error) {
	dataKey := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return "", err
	}
	aad := []byte(version + ":" + e.activeID)
	wrapped, err := seal(e.keys[e.activeID], dataKey, aad)
	if err != nil {
		return "", err
	}
	body, err := seal(dataKey, plaintext, aad)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{version, e.activeID, hex.EncodeToString(wrapped), hex.EncodeToString(body)}, ":"), nil
}

// Open decrypts a reference produced by Seal.
func (e *Envelope) Open(ref string) ([]byte, error) {
	parts := strings.Split(ref, ":")
	if len(parts) != 4 || parts[0] != version {
		return nil, ErrMalformed
	}
	master, ok := e.keys[parts[1]]
	if !ok {
		return nil, fmt.Errorf("vault: unknown master key %q", parts[1])
	}
	wrapped, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformed
	}
	body, err := hex.DecodeString(parts[3])
	if err != nil {
		return nil, ErrMalformed
	}
	aad := []byte(version + ":" + parts[1])
	dataKey, err := open(master, wrapped, aad)
	if err != nil {
		return nil, err
	}
	return open(dataKey, body, aad)
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	// Nonce is prepended so Open can recover it.
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, ErrMalformed
	}
	plaintext, err := gcm.Open(nil, ciphertext[:n], ciphertext[n:], aad)
	if err != nil {
		return nil, fmt.Errorf("vault: decryption failed (wrong key or tampered data)")
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
