// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// keySize is the AES-256 key length produced by derivation.
	keySize = 32

	// MinSecretLength is the minimum operator-supplied secret length.
	MinSecretLength = 32
)

// hkdfInfo domain-separates the derived key from any other use of the same
// operator secret.
var hkdfInfo = []byte("agentcanvas-session-v1")

// Codec seals and opens session payloads with AES-256-GCM. The key is
// derived from the operator secret with HKDF-SHA256 exactly once, at
// construction; the codec is an explicit dependency handed to request
// handlers, so rotating the secret means constructing a new codec.
type Codec struct {
	aead cipher.AEAD
	now  func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithCodecClock overrides the codec's time source. Intended for tests.
func WithCodecClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec derives the encryption key from secret and returns a ready codec.
func NewCodec(secret string, opts ...CodecOption) (*Codec, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	c := &Codec{
		aead: aead,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encrypt seals data into a cookie-safe token: base64url(nonce || ciphertext).
func (c *Codec) Encrypt(data *Data) (string, error) {
	if data == nil {
		return "", errors.New("session data is required")
	}

	plaintext, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token and returns the payload. Any failure — malformed
// encoding, tampered ciphertext, expired payload — yields nil. Callers must
// treat nil exactly like "no session present"; the codec deliberately does
// not distinguish the cases.
func (c *Codec) Decrypt(token string) *Data {
	if token == "" {
		return nil
	}

	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil
	}
	if len(sealed) < c.aead.NonceSize() {
		return nil
	}

	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil
	}

	var data Data
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil
	}
	if data.Expired(c.now()) {
		return nil
	}
	return &data
}
