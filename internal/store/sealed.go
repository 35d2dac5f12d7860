package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"runtime"
)

// Sealed wraps a KV and encrypts values at rest with AES-GCM.
// Keys stay in the clear; only values are sealed.
type Sealed struct {
	inner KV
	key   []byte
}

// NewSealed derives the seal key from the host and wraps inner.
func NewSealed(inner KV) *Sealed {
	return &Sealed{inner: inner, key: masterKey()}
}

func (s *Sealed) Get(key string) ([]byte, error) {
	sealed, err := s.inner.Get(key)
	if err != nil {
		return nil, err
	}
	plain, err := decrypt(sealed, s.key)
	if err != nil {
		return nil, fmt.Errorf("store: unseal %q: %w", key, err)
	}
	return plain, nil
}

func (s *Sealed) Set(key string, value []byte) error {
	sealed, err := encrypt(value, s.key)
	if err != nil {
		return fmt.Errorf("store: seal %q: %w", key, err)
	}
	return s.inner.Set(key, sealed)
}

func (s *Sealed) Delete(key string) error {
	return s.inner.Delete(key)
}

// masterKey derives a machine-local key. Not a defense against an
// attacker with shell access; keeps tokens out of casual file reads.
func masterKey() []byte {
	h := sha256.Sum256([]byte("financebot-" + runtime.GOOS + "-" + os.Getenv("USER")))
	return h[:]
}

func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, data := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, data, nil)
}
