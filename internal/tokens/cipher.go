package tokens

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	minimumSecretLength = 32
	keyDerivationInfo   = "ledgersync/tenant-connection-tokens/v1"
)

var (
	// ErrWeakEncryptionKey indicates the configured secret is too short to derive a key from.
	ErrWeakEncryptionKey = errors.New("tokens: encryption key must be at least 32 bytes")
	// ErrCiphertext indicates a stored token could not be decrypted.
	ErrCiphertext = errors.New("tokens: ciphertext rejected")
)

// Cipher seals token material at rest. Ciphertexts are bound to the tenant id.
type Cipher struct {
	aead   cipher.AEAD
	random io.Reader
}

// NewCipher derives an XChaCha20-Poly1305 key from secret with HKDF-SHA256.
func NewCipher(secret string) (*Cipher, error) {
	if len(secret) < minimumSecretLength {
		return nil, ErrWeakEncryptionKey
	}
	key := make([]byte, chacha20poly1305.KeySize)
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyDerivationInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("tokens: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("tokens: init cipher: %w", err)
	}
	return &Cipher{aead: aead, random: rand.Reader}, nil
}

// Encrypt returns base64(nonce || ciphertext). Empty plaintext stays empty.
func (c *Cipher) Encrypt(tenantID string, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return "", fmt.Errorf("tokens: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(tenantID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt for the same tenant id.
func (c *Cipher) Decrypt(tenantID string, encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrCiphertext)
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%w: truncated", ErrCiphertext)
	}
	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(tenantID))
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrCiphertext)
	}
	return string(plaintext), nil
}
