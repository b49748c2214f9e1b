// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// devKeyBits is the modulus size for generated development keys.
const devKeyBits = 2048

// LoadSigningKey loads an RSA private key from a PEM file.
// Supports both PKCS1 and PKCS8 encodings. Only RSA keys are
// accepted because issued tokens are always signed with RS256.
func LoadSigningKey(keyPath string) (*rsa.PrivateKey, error) {
	keyPEM, err := os.ReadFile(keyPath) // #nosec G304 - keyPath is provided by the operator via config
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	// Try PKCS1 first
	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return rsaKey, nil
	}

	// Fall back to PKCS8
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key must be an RSA key, got %T", key)
	}

	return rsaKey, nil
}

// GenerateDevKey creates an ephemeral RSA signing key. Tokens signed
// with a generated key do not survive a restart, so this is only
// suitable for development.
func GenerateDevKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, devKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return key, nil
}

// DeriveKeyID computes a key ID from the public key using the RFC 7638
// JWK Thumbprint, encoded as base64url(SHA-256(JWK canonical form)).
func DeriveKeyID(key *rsa.PrivateKey) (string, error) {
	jwk := jose.JSONWebKey{
		Key: key.Public(),
	}

	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}
