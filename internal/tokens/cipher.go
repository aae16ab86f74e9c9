package tokens

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealedPrefix = "v1:"

// ErrCorruptToken means stored token material could not be decrypted.
var ErrCorruptToken = errors.New("stored token cannot be decrypted")

// Cipher encrypts token material at rest with XChaCha20-Poly1305. The key is
// derived from the configured secret with HKDF-SHA256.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the encryption key from secret.
func NewCipher(secret string) (*Cipher, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token key must be at least 32 characters")
	}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("dossiersync integration tokens v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init token cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext bound to the service name. Empty input stays empty
// so "no refresh token" survives the round trip.
func (c *Cipher) Seal(service, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("token nonce: %w", err)
	}
	out := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(service))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (c *Cipher) Open(service, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", ErrCorruptToken
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil || len(raw) < c.aead.NonceSize() {
		return "", ErrCorruptToken
	}
	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, []byte(service))
	if err != nil {
		return "", ErrCorruptToken
	}
	return string(plain), nil
}
