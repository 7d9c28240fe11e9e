// Package secrets encrypts stored broker credentials with a symmetric key
// loaded from the environment at process start.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	mu     sync.RWMutex
	sealer cipher.AEAD
)

// ErrNotInitialized is returned when Encrypt/Decrypt run before Init.
var ErrNotInitialized = errors.New("secrets: encryption key not initialized")

// Init builds the process-wide cipher from a hex-encoded 32-byte key.
// Misconfiguration here is a startup-time fatal for callers; the ledger
// never degrades to storing plaintext tokens.
func Init(keyHex string) error {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return fmt.Errorf("secrets: key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("secrets: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	mu.Lock()
	sealer = aead
	mu.Unlock()
	return nil
}

// Encrypt seals plaintext with AES-GCM; the random nonce is prefixed to
// the returned ciphertext.
func Encrypt(plaintext []byte) ([]byte, error) {
	mu.RLock()
	aead := sealer
	mu.RUnlock()
	if aead == nil {
		return nil, ErrNotInitialized
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext []byte) ([]byte, error) {
	mu.RLock()
	aead := sealer
	mu.RUnlock()
	if aead == nil {
		return nil, ErrNotInitialized
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("secrets: ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, nil)
}
