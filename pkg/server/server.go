// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the authentication HTTP surface: OAuth
// exchange, magic-link sign-in, session introspection, token refresh,
// the JWKS document, and allowlist administration.
package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentcanvas/agentcanvas/pkg/allowlist"
	"github.com/agentcanvas/agentcanvas/pkg/idp"
	"github.com/agentcanvas/agentcanvas/pkg/magiclink"
	"github.com/agentcanvas/agentcanvas/pkg/ratelimit"
	"github.com/agentcanvas/agentcanvas/pkg/session"
	"github.com/agentcanvas/agentcanvas/pkg/tokens"
)

const requestTimeout = 30 * time.Second

// refreshMargin is subtracted from the upstream expiry when recording
// when an ID token should be refreshed, so proactive refresh always
// fires before the token hard-expires downstream.
const refreshMargin = 10 * time.Minute

// Deps are the collaborators a Server needs. All fields are required
// except Mailer, which defaults to logging issued links.
type Deps struct {
	Codec      *session.Codec
	Jar        *session.Jar
	IDP        *idp.Client
	Gate       *allowlist.Gate
	MagicLinks *magiclink.Service
	Limiter    *ratelimit.Limiter
	Issuer     *tokens.Issuer
	Mailer     magiclink.Mailer

	// AppOrigin is where browser flows land: success redirects go to
	// its root, failures to its /login page.
	AppOrigin string

	// SuperAdminEmails mark users whose minted ID tokens carry the
	// super_admin claim.
	SuperAdminEmails []string
}

// Server handles the authentication endpoints.
type Server struct {
	codec       *session.Codec
	jar         *session.Jar
	idp         *idp.Client
	gate        *allowlist.Gate
	magic       *magiclink.Service
	limiter     *ratelimit.Limiter
	issuer      *tokens.Issuer
	mailer      magiclink.Mailer
	appOrigin   string
	superAdmins map[string]bool
	metrics     *Metrics
	now         func() time.Time
	ipPolicy    ratelimit.Policy
	emailPolicy ratelimit.Policy
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithRatePolicies overrides the magic-link rate-limit policies.
func WithRatePolicies(ip, email ratelimit.Policy) Option {
	return func(s *Server) {
		s.ipPolicy = ip
		s.emailPolicy = email
	}
}

// New creates a Server from its dependencies.
func New(deps Deps, opts ...Option) (*Server, error) {
	switch {
	case deps.Codec == nil:
		return nil, fmt.Errorf("session codec is required")
	case deps.Jar == nil:
		return nil, fmt.Errorf("cookie jar is required")
	case deps.IDP == nil:
		return nil, fmt.Errorf("identity provider client is required")
	case deps.Gate == nil:
		return nil, fmt.Errorf("allowlist gate is required")
	case deps.MagicLinks == nil:
		return nil, fmt.Errorf("magic link service is required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("rate limiter is required")
	case deps.Issuer == nil:
		return nil, fmt.Errorf("token issuer is required")
	case deps.AppOrigin == "":
		return nil, fmt.Errorf("app origin is required")
	}

	mailer := deps.Mailer
	if mailer == nil {
		mailer = magiclink.LogMailer{}
	}

	superAdmins := make(map[string]bool, len(deps.SuperAdminEmails))
	for _, email := range deps.SuperAdminEmails {
		superAdmins[allowlist.Normalize(email)] = true
	}

	s := &Server{
		codec:       deps.Codec,
		jar:         deps.Jar,
		idp:         deps.IDP,
		gate:        deps.Gate,
		magic:       deps.MagicLinks,
		limiter:     deps.Limiter,
		issuer:      deps.Issuer,
		mailer:      mailer,
		appOrigin:   strings.TrimSuffix(deps.AppOrigin, "/"),
		superAdmins: superAdmins,
		metrics:     newMetrics(),
		now:         time.Now,
		ipPolicy:    ratelimit.DefaultIPPolicy,
		emailPolicy: ratelimit.DefaultEmailPolicy,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router returns the HTTP handler with all routes and middleware
// registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/url", s.authURLHandler)
		r.Get("/callback", s.callbackHandler)
		r.Get("/session", s.sessionHandler)
		r.Post("/refresh", s.refreshHandler)
		r.Post("/logout", s.logoutHandler)
		r.Get("/jwks", s.jwksHandler)
		r.Post("/send-magic-link", s.sendMagicLinkHandler)
		r.Get("/verify", s.verifyHandler)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/allowlist", s.listAllowlistHandler)
		r.Post("/allowlist", s.addAllowlistHandler)
		r.Delete("/allowlist", s.removeAllowlistHandler)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return r
}

// sessionFromRequest returns the decrypted session, or nil when the
// cookie is absent, tampered with, or expired. The cases are
// deliberately indistinguishable.
func (s *Server) sessionFromRequest(r *http.Request) *session.Data {
	return s.codec.Decrypt(s.jar.Session(r))
}

// isSuperAdmin reports whether the email carries the super_admin claim.
func (s *Server) isSuperAdmin(email string) bool {
	return s.superAdmins[allowlist.Normalize(email)]
}
