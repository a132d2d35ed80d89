// Package secrets provides the credential encryption capability used by the
// configuration layer: JSON credential blobs are stored as ciphertext and
// only ever decrypted in memory right before a dispatch.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrInvalidCiphertext = errors.New("secrets: invalid ciphertext")

// Codec encrypts and decrypts credential maps with a single symmetric key.
type Codec struct {
	key []byte
}

// NewCodec builds a codec from a base64-encoded 32-byte key.
func NewCodec(encodedKey string) (*Codec, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secrets: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Codec{key: key}, nil
}

// GenerateKey returns a new random base64-encoded key suitable for NewCodec.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt marshals the credential map and returns base64 ciphertext with the
// nonce prepended.
func (c *Codec) Encrypt(creds map[string]string) (string, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("secrets: marshal: %w", err)
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Codec) Decrypt(ciphertext string) (map[string]string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("secrets: unmarshal: %w", err)
	}
	return creds, nil
}
