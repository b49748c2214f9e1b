// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokens issues RS256 ID tokens and publishes the matching
// JWKS document so resource servers can verify them offline.
package tokens

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/agentcanvas/agentcanvas/pkg/session"
)

// DefaultTTL is the lifetime of issued ID tokens.
const DefaultTTL = time.Hour

// Issuer mints ID tokens for sessions whose upstream provider did not
// supply one. The key ID is derived from the public key, so a restart
// with the same key keeps previously issued tokens verifiable.
type Issuer struct {
	key      *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
	jwks     []byte
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithTTL overrides the issued token lifetime.
func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		i.ttl = ttl
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer creates an Issuer signing with the given RSA key. The
// issuer and audience values are embedded in every token.
func NewIssuer(key *rsa.PrivateKey, issuer, audience string, opts ...IssuerOption) (*Issuer, error) {
	keyID, err := DeriveKeyID(key)
	if err != nil {
		return nil, err
	}

	jwks, err := buildJWKS(key, keyID)
	if err != nil {
		return nil, err
	}

	i := &Issuer{
		key:      key,
		keyID:    keyID,
		issuer:   issuer,
		audience: audience,
		ttl:      DefaultTTL,
		now:      time.Now,
		jwks:     jwks,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// KeyID returns the RFC 7638 thumbprint of the signing key.
func (i *Issuer) KeyID() string {
	return i.keyID
}

// IssueIDToken signs an ID token for the given user. It returns the
// compact serialization and the token's expiry.
func (i *Issuer) IssueIDToken(user session.User, orgs []session.OrgClaim, superAdmin bool) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)

	if orgs == nil {
		orgs = []session.OrgClaim{}
	}

	claims := jwt.MapClaims{
		"iss":         i.issuer,
		"aud":         i.audience,
		"sub":         user.ID,
		"email":       user.Email,
		"iat":         now.Unix(),
		"exp":         expiresAt.Unix(),
		"jti":         uuid.NewString(),
		"orgs":        orgs,
		"super_admin": superAdmin,
	}
	if user.Name != "" {
		claims["name"] = user.Name
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.keyID

	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign ID token: %w", err)
	}

	return signed, expiresAt, nil
}

// JWKS returns the JSON-encoded key set containing the public signing
// key. The document is built once at construction and never changes
// for the lifetime of the Issuer.
func (i *Issuer) JWKS() []byte {
	return i.jwks
}

func buildJWKS(key *rsa.PrivateKey, keyID string) ([]byte, error) {
	pubKey, err := jwk.Import(key.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to import public key: %w", err)
	}

	if err := pubKey.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, fmt.Errorf("failed to set key ID: %w", err)
	}
	if err := pubKey.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return nil, fmt.Errorf("failed to set algorithm: %w", err)
	}
	if err := pubKey.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("failed to set key usage: %w", err)
	}

	keySet := jwk.NewSet()
	if err := keySet.AddKey(pubKey); err != nil {
		return nil, fmt.Errorf("failed to add key to set: %w", err)
	}

	data, err := json.Marshal(keySet)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key set: %w", err)
	}

	return data, nil
}
