package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// ErrCorruptMessage is returned when a stored body cannot be decrypted
// (tampered ciphertext, truncated blob, or wrong key). The failure is
// scoped to the single message being opened.
var ErrCorruptMessage = errors.New("corrupt message: decryption failed")

// Cipher encrypts and decrypts message bodies with a single process-wide
// symmetric key. Key provisioning and rotation happen outside this package.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a body cipher from a 32-byte key
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// GenerateKey returns a fresh random 32-byte key
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Seal encrypts a raw message body. The nonce is prepended to the
// returned blob.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. Any authentication or format
// failure is reported as ErrCorruptMessage.
func (c *Cipher) Open(blob []byte) ([]byte, error) {
	if len(blob) < c.aead.NonceSize() {
		return nil, ErrCorruptMessage
	}

	nonce := blob[:c.aead.NonceSize()]
	plaintext, err := c.aead.Open(nil, nonce, blob[c.aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrCorruptMessage
	}

	return plaintext, nil
}
