// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the encrypted, stateless session carried by the
// browser cookie: the payload schema, the authenticated-encryption codec that
// seals it, and the typed cookie jar that applies the security attributes.
package session

import "time"

// DefaultTTL is how long a freshly minted session remains valid.
const DefaultTTL = 7 * 24 * time.Hour

// User is the identity established at sign-in.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// OrgClaim records a single organization membership.
type OrgClaim struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Data is the decrypted session payload. It is either fully absent or fully
// valid; partial sessions are never surfaced to callers.
type Data struct {
	User User       `json:"user"`
	Orgs []OrgClaim `json:"orgs"`

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// IDToken is nullable: some provider configurations return no usable
	// ID token and a self-signed one is minted on refresh instead.
	IDToken          string `json:"id_token,omitempty"`
	IDTokenExpiresAt int64  `json:"id_token_expires_at,omitempty"` // epoch ms

	// ExpiresAt bounds the session independently of the cookie's Max-Age,
	// so a copied cookie cannot outlive the original session.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the payload-embedded expiry has passed.
func (d *Data) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// NeedsRefresh reports whether the ID token is absent or past its recorded
// expiry, meaning the caller should run the refresh flow before presenting
// the token downstream.
func (d *Data) NeedsRefresh(now time.Time) bool {
	if d.IDToken == "" {
		return true
	}
	return now.UnixMilli() >= d.IDTokenExpiresAt
}
