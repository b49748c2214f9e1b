// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

// Package magiclink issues and redeems single-use, time-limited sign-in
// tokens. Redemption is exactly-once: the store-side get-and-delete is
// atomic, so two concurrent redeemers can never both succeed.
package magiclink

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/agentcanvas/agentcanvas/pkg/kvstore"
	"github.com/agentcanvas/agentcanvas/pkg/logger"
)

const (
	// DefaultTTL is how long an issued link remains redeemable.
	DefaultTTL = 15 * time.Minute

	// tokenBytes yields a 43-character base64url token (256 bits entropy).
	tokenBytes = 32

	keyPrefix = "magiclink:"
)

// ErrInvalidRedirect indicates a redirect URL pointing off-origin.
var ErrInvalidRedirect = errors.New("redirect url is not same-origin")

// Claim is the stored record behind an issued token.
type Claim struct {
	Email       string    `json:"email"`
	ExpiresAt   time.Time `json:"expires_at"`
	RedirectURL string    `json:"redirect_url,omitempty"`
}

// Mailer delivers the sign-in link to the address that requested it.
type Mailer interface {
	Send(ctx context.Context, email, link string) error
}

// LogMailer writes the link to the server log instead of sending mail.
// Used in development and as the default when no mailer is configured.
type LogMailer struct{}

// Send logs the link.
func (LogMailer) Send(_ context.Context, email, link string) error {
	logger.Infow("magic link issued",
		"email", email,
		"link", link,
	)
	return nil
}

// Service issues and redeems magic-link tokens against the shared store.
type Service struct {
	store     kvstore.Store
	appOrigin *url.URL
	ttl       time.Duration
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithTTL overrides the default link lifetime.
func WithTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.ttl = ttl
	}
}

// WithClock overrides the service's time source. Intended for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service. appOrigin is the application origin used to
// validate redirect targets, e.g. "https://app.agentcanvas.dev".
func NewService(store kvstore.Store, appOrigin string, opts ...ServiceOption) (*Service, error) {
	origin, err := url.Parse(appOrigin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid app origin %q", appOrigin)
	}

	s := &Service{
		store:     store,
		appOrigin: origin,
		ttl:       DefaultTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue generates a token, stores the claim under it with the store TTL as a
// backstop, and returns the token for embedding in a link. An empty
// redirectURL is allowed; a non-empty one must be same-origin.
func (s *Service) Issue(ctx context.Context, email, redirectURL string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", errors.New("email is required")
	}
	if redirectURL != "" {
		if err := s.ValidateRedirect(redirectURL); err != nil {
			return "", err
		}
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}

	claim := Claim{
		Email:       email,
		ExpiresAt:   s.now().Add(s.ttl).UTC(),
		RedirectURL: redirectURL,
	}
	data, err := json.Marshal(claim)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claim: %w", err)
	}

	if err := s.store.Set(ctx, keyPrefix+token, string(data), s.ttl); err != nil {
		return "", fmt.Errorf("failed to store magic link: %w", err)
	}

	return token, nil
}

// Link renders the redemption URL for a token.
func (s *Service) Link(token string) string {
	u := *s.appOrigin
	u.Path = "/auth/verify"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String()
}

// VerifyAndConsume redeems a token, returning nil when it is unknown,
// already consumed, or expired. The get-and-delete is atomic; the expiry is
// then re-checked against the wall clock as defense in depth, since the
// store's own TTL eviction may lag.
func (s *Service) VerifyAndConsume(ctx context.Context, token string) (*Claim, error) {
	if token == "" {
		return nil, nil
	}

	data, ok, err := s.store.GetDel(ctx, keyPrefix+token)
	if err != nil {
		return nil, fmt.Errorf("failed to consume magic link: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var claim Claim
	if err := json.Unmarshal([]byte(data), &claim); err != nil {
		logger.Errorw("malformed magic link claim in store",
			"error", err.Error(),
		)
		return nil, nil
	}

	if s.now().After(claim.ExpiresAt) {
		return nil, nil
	}

	return &claim, nil
}

// ValidateRedirect enforces same-origin redirect targets. Relative paths
// are allowed. Callers that accept a redirect before deciding whether to
// issue a link must run this check first, so a rejected redirect reveals
// nothing about whether a link would have been issued.
func (s *Service) ValidateRedirect(redirectURL string) error {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRedirect, redirectURL)
	}
	if u.Scheme == "" && u.Host == "" && strings.HasPrefix(u.Path, "/") {
		return nil
	}
	if u.Scheme == s.appOrigin.Scheme && u.Host == s.appOrigin.Host {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidRedirect, redirectURL)
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
