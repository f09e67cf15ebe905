// Package secretbox is the data-at-rest encryption boundary for entry content
// and conversation titles. The store only ever calls Encrypt and Decrypt;
// providers are swappable.
package secretbox

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Encrypter seals and opens opaque byte payloads.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Plaintext is the no-op provider used when no key is configured.
type Plaintext struct{}

func (Plaintext) Encrypt(_ context.Context, b []byte) ([]byte, error) { return b, nil }
func (Plaintext) Decrypt(_ context.Context, b []byte) ([]byte, error) { return b, nil }

// AESGCM encrypts with AES-256-GCM, prefixing each ciphertext with its nonce.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM builds an AESGCM provider from a base64-encoded 32-byte key.
func NewAESGCM(keyB64 string) (*AESGCM, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCM{aead: aead}, nil
}

func (a *AESGCM) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return a.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (a *AESGCM) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	ns := a.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	return a.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
}
