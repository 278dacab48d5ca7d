// Package cryptoutil provides the authenticated encryption used to keep
// mirror access tokens at rest. A single 256-bit key is loaded from the
// environment at process start; each encryption draws a fresh 96-bit nonce.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
)

// EnvKey names the environment variable carrying the key text. The variable's
// bytes are used directly, so it must be exactly 32 bytes long.
const EnvKey = "ENCRYPTION_KEY"

const nonceSize = 12

// ErrDecrypt is returned on tag mismatch or malformed inputs. The underlying
// cause is deliberately not included: a wrong key and corrupted data are
// indistinguishable to callers.
var ErrDecrypt = errors.New("decryption failed: wrong key or corrupted data")

// Box wraps an AES-256-GCM key.
type Box struct {
	aead cipher.AEAD
}

// New builds a Box from a raw 32-byte key.
func New(key []byte) (*Box, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Box{aead: aead}, nil
}

// LoadFromEnv reads EnvKey and fails fast if it is missing or the wrong size.
func LoadFromEnv() (*Box, error) {
	key, ok := os.LookupEnv(EnvKey)
	if !ok {
		return nil, fmt.Errorf("%s must be set (32 bytes)", EnvKey)
	}
	return New([]byte(key))
}

// Encrypt seals plaintext under a fresh random nonce and returns the
// ciphertext and nonce, both standard-base64 encoded.
func (b *Box) Encrypt(plaintext string) (ciphertext, nonce string, err error) {
	nonceBytes := make([]byte, nonceSize)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", "", fmt.Errorf("failed to draw nonce: %w", err)
	}
	sealed := b.aead.Seal(nil, nonceBytes, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(nonceBytes), nil
}

// Decrypt reverses Encrypt. Any authentication or decoding failure surfaces
// as ErrDecrypt.
func (b *Box) Decrypt(ciphertext, nonce string) (string, error) {
	nonceBytes, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil || len(nonceBytes) != nonceSize {
		return "", ErrDecrypt
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}
	plaintext, err := b.aead.Open(nil, nonceBytes, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
