package crypt

import (
	"bytes"
	"errors"
	"testing"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	return c
}

func TestNewCipher_RejectsShortKey(t *testing.T) {
	if _, err := NewCipher([]byte("too short")); err == nil {
		t.Error("Expected error for short key")
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	c := testCipher(t)

	plaintext := []byte("From: a@example.com\r\n\r\nHello, world.\r\n")
	blob, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if bytes.Contains(blob, []byte("Hello, world.")) {
		t.Error("Ciphertext contains plaintext")
	}

	opened, err := c.Open(blob)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Round trip mismatch: got %q, want %q", opened, plaintext)
	}
}

func TestSeal_UniqueNonces(t *testing.T) {
	c := testCipher(t)

	a, err := c.Seal([]byte("same message"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	b, err := c.Seal([]byte("same message"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if bytes.Equal(a, b) {
		t.Error("Two seals of the same plaintext produced identical blobs")
	}
}

func TestOpen_TamperedBlob(t *testing.T) {
	c := testCipher(t)

	blob, err := c.Seal([]byte("original"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	blob[len(blob)-1] ^= 0xff

	if _, err := c.Open(blob); !errors.Is(err, ErrCorruptMessage) {
		t.Errorf("Expected ErrCorruptMessage, got %v", err)
	}
}

func TestOpen_TruncatedBlob(t *testing.T) {
	c := testCipher(t)

	if _, err := c.Open([]byte{0x01, 0x02}); !errors.Is(err, ErrCorruptMessage) {
		t.Errorf("Expected ErrCorruptMessage for truncated blob, got %v", err)
	}
}

func TestOpen_WrongKey(t *testing.T) {
	a := testCipher(t)
	b := testCipher(t)

	blob, err := a.Seal([]byte("secret body"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := b.Open(blob); !errors.Is(err, ErrCorruptMessage) {
		t.Errorf("Expected ErrCorruptMessage with wrong key, got %v", err)
	}
}
