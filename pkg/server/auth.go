// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/agentcanvas/agentcanvas/pkg/idp"
	"github.com/agentcanvas/agentcanvas/pkg/logger"
	"github.com/agentcanvas/agentcanvas/pkg/session"
)

const stateBytes = 32

// authURLHandler starts the OAuth flow: it issues a fresh CSRF state,
// stores it in its own short-lived cookie, and returns the provider's
// authorize URL for the browser to navigate to.
func (s *Server) authURLHandler(w http.ResponseWriter, _ *http.Request) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		logger.Errorw("failed to generate state", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	authorizeURL, err := s.idp.AuthorizeURL(state)
	if err != nil {
		logger.Errorw("failed to build authorize URL", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.jar.SetState(w, state)
	writeJSON(w, http.StatusOK, map[string]string{"url": authorizeURL})
}

// callbackHandler completes the OAuth flow. The state check runs
// before anything else; every failure redirects to the login page with
// a stable reason code and never leaks upstream detail.
func (s *Server) callbackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	state := query.Get("state")
	stored := s.jar.State(r)
	if state == "" || stored == "" ||
		subtle.ConstantTimeCompare([]byte(state), []byte(stored)) != 1 {
		logger.Warnw("oauth callback with bad state")
		s.failLogin(w, r, ReasonInvalidState)
		return
	}

	if errParam := query.Get("error"); errParam != "" {
		logger.Warnw("oauth callback reported provider error", "error", errParam)
		s.failLogin(w, r, ReasonAuthFailed)
		return
	}

	code := query.Get("code")
	if code == "" {
		s.failLogin(w, r, ReasonMissingCode)
		return
	}

	tok, err := s.idp.ExchangeCode(ctx, code)
	if err != nil {
		logger.Errorw("code exchange failed", "error", err.Error())
		s.failLogin(w, r, ReasonAuthFailed)
		return
	}

	memberships, err := s.idp.OrganizationMemberships(ctx, tok.User.ID)
	if err != nil {
		logger.Errorw("membership lookup failed", "error", err.Error())
		s.failLogin(w, r, ReasonAuthFailed)
		return
	}
	if len(memberships) == 0 {
		logger.Warnw("user has no organization", "user_id", tok.User.ID)
		s.failLogin(w, r, ReasonNoOrganization)
		return
	}

	data := s.newSessionData(tok, memberships)
	if err := s.applyIDToken(data, tok); err != nil {
		logger.Errorw("failed to mint ID token", "error", err.Error())
		s.failLogin(w, r, ReasonConfigError)
		return
	}

	encrypted, err := s.codec.Encrypt(data)
	if err != nil {
		logger.Errorw("failed to encrypt session", "error", err.Error())
		s.failLogin(w, r, ReasonConfigError)
		return
	}

	s.jar.ClearState(w)
	s.jar.SetSession(w, encrypted, session.DefaultTTL)
	s.metrics.callbacks.WithLabelValues("success").Inc()
	s.metrics.sessionsIssued.WithLabelValues("oauth").Inc()

	http.Redirect(w, r, s.appOrigin+"/", http.StatusFound)
}

type sessionResponse struct {
	Authenticated bool               `json:"authenticated"`
	User          *session.User      `json:"user,omitempty"`
	Orgs          []session.OrgClaim `json:"orgs,omitempty"`
	IDToken       string             `json:"idToken,omitempty"`
	NeedsRefresh  bool               `json:"needsRefresh"`
}

// sessionHandler reports the current session. An absent, tampered, or
// expired cookie all yield the same unauthenticated response.
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	data := s.sessionFromRequest(r)
	if data == nil {
		writeJSON(w, http.StatusOK, sessionResponse{Authenticated: false})
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Authenticated: true,
		User:          &data.User,
		Orgs:          data.Orgs,
		IDToken:       data.IDToken,
		NeedsRefresh:  data.NeedsRefresh(s.now()),
	})
}

type refreshResponse struct {
	Success          bool   `json:"success"`
	IDToken          string `json:"idToken,omitempty"`
	IDTokenExpiresAt int64  `json:"idTokenExpiresAt,omitempty"`
}

// refreshHandler exchanges the stored refresh token for fresh
// credentials. Sessions without upstream credentials, such as those
// from magic-link sign-in, re-mint their local ID token instead.
// Upstream refusal clears the session so the caller re-authenticates
// instead of retrying the same token in a loop.
func (s *Server) refreshHandler(w http.ResponseWriter, r *http.Request) {
	data := s.sessionFromRequest(r)
	if data == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	tok := &idp.TokenResponse{}
	if data.RefreshToken != "" {
		upstream, err := s.idp.Refresh(r.Context(), data.RefreshToken)
		if err != nil {
			logger.Errorw("token refresh refused", "error", err.Error())
			s.metrics.refreshes.WithLabelValues("failure").Inc()
			s.jar.ClearSession(w)
			writeError(w, http.StatusUnauthorized, "session refresh failed")
			return
		}
		tok = upstream

		if tok.AccessToken != "" {
			data.AccessToken = tok.AccessToken
		}
		// The upstream is not guaranteed to rotate refresh tokens; keep
		// the old one unless a replacement arrives.
		if tok.RefreshToken != "" {
			data.RefreshToken = tok.RefreshToken
		}
	}
	if err := s.applyIDToken(data, tok); err != nil {
		logger.Errorw("failed to mint ID token on refresh", "error", err.Error())
		s.metrics.refreshes.WithLabelValues("failure").Inc()
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	encrypted, err := s.codec.Encrypt(data)
	if err != nil {
		logger.Errorw("failed to encrypt refreshed session", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	now := s.now()
	s.jar.SetSession(w, encrypted, data.ExpiresAt.Sub(now))
	s.metrics.refreshes.WithLabelValues("success").Inc()

	writeJSON(w, http.StatusOK, refreshResponse{
		Success:          true,
		IDToken:          data.IDToken,
		IDTokenExpiresAt: data.IDTokenExpiresAt,
	})
}

// logoutHandler clears the session cookie. The route is POST-only so a
// cross-site GET cannot log the user out.
func (s *Server) logoutHandler(w http.ResponseWriter, _ *http.Request) {
	s.jar.ClearSession(w)
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

const jwksCacheMaxAge = 3600

// jwksHandler serves the public signing keys. The document is static
// for the process lifetime and publicly cacheable.
func (s *Server) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", jwksCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(s.issuer.JWKS())
}

// newSessionData builds the session payload for a fresh OAuth sign-in.
func (s *Server) newSessionData(tok *idp.TokenResponse, memberships []idp.OrgMembership) *session.Data {
	orgs := make([]session.OrgClaim, 0, len(memberships))
	for _, m := range memberships {
		orgs = append(orgs, session.OrgClaim{ID: m.OrganizationID, Role: m.Role})
	}

	return &session.Data{
		User: session.User{
			ID:        tok.User.ID,
			Email:     tok.User.Email,
			Name:      tok.User.DisplayName(),
			AvatarURL: tok.User.ProfilePictureURL,
		},
		Orgs:         orgs,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    s.now().Add(session.DefaultTTL),
	}
}

// applyIDToken records the upstream ID token or mints a local one when
// the provider omitted it. The recorded deadline is pulled forward by
// refreshMargin so refresh fires before the token hard-expires.
func (s *Server) applyIDToken(data *session.Data, tok *idp.TokenResponse) error {
	now := s.now()

	if tok.IDToken != "" {
		expiresIn := tok.ExpiresIn
		if expiresIn <= 0 {
			expiresIn = 3600
		}
		data.IDToken = tok.IDToken
		data.IDTokenExpiresAt = now.Add(time.Duration(expiresIn)*time.Second - refreshMargin).UnixMilli()
		return nil
	}

	minted, expiresAt, err := s.issuer.IssueIDToken(data.User, data.Orgs, s.isSuperAdmin(data.User.Email))
	if err != nil {
		return err
	}
	data.IDToken = minted
	data.IDTokenExpiresAt = expiresAt.Add(-refreshMargin).UnixMilli()
	return nil
}
