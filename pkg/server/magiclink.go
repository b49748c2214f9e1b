// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentcanvas/agentcanvas/pkg/allowlist"
	"github.com/agentcanvas/agentcanvas/pkg/logger"
	"github.com/agentcanvas/agentcanvas/pkg/magiclink"
	"github.com/agentcanvas/agentcanvas/pkg/ratelimit"
	"github.com/agentcanvas/agentcanvas/pkg/session"
)

// genericMagicLinkMessage is returned to every requester regardless of
// allowlist outcome, so the endpoint cannot be used to enumerate
// registered addresses.
const genericMagicLinkMessage = "If that email is registered, a sign-in link has been sent."

type magicLinkRequest struct {
	Email       string `json:"email"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}

// sendMagicLinkHandler issues a sign-in link. Two fixed-window limits
// apply, per IP then per email; a breach returns 429 without revealing
// which policy tripped.
func (s *Server) sendMagicLinkHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req magicLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := allowlist.Normalize(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	// Validate the redirect before any allowlist-dependent branch, so
	// the rejection is identical whether or not the email is registered.
	if req.RedirectURL != "" {
		if err := s.magic.ValidateRedirect(req.RedirectURL); err != nil {
			writeError(w, http.StatusBadRequest, "invalid redirect url")
			return
		}
	}

	ipResult, err := s.limiter.Check(ctx, "ip:"+clientIP(r), s.ipPolicy)
	if err != nil {
		logger.Errorw("rate limit check failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ipResult.Allowed {
		s.metrics.rateLimited.WithLabelValues("ip").Inc()
		s.rejectRateLimited(w, ipResult, s.ipPolicy)
		return
	}

	emailResult, err := s.limiter.Check(ctx, "email:"+email, s.emailPolicy)
	if err != nil {
		logger.Errorw("rate limit check failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !emailResult.Allowed {
		s.metrics.rateLimited.WithLabelValues("email").Inc()
		s.rejectRateLimited(w, emailResult, s.emailPolicy)
		return
	}

	allowed, err := s.gate.IsAllowed(ctx, email)
	if err != nil {
		logger.Errorw("allowlist check failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !allowed {
		// Deliberately indistinguishable from success.
		s.metrics.magicLinkRequests.WithLabelValues("suppressed").Inc()
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: genericMagicLinkMessage})
		return
	}

	token, err := s.magic.Issue(ctx, email, req.RedirectURL)
	if err != nil {
		if errors.Is(err, magiclink.ErrInvalidRedirect) {
			writeError(w, http.StatusBadRequest, "invalid redirect url")
			return
		}
		logger.Errorw("failed to issue magic link", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.mailer.Send(ctx, email, s.magic.Link(token)); err != nil {
		logger.Errorw("failed to send magic link", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.metrics.magicLinkRequests.WithLabelValues("sent").Inc()
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: genericMagicLinkMessage})
}

// verifyHandler redeems a magic-link token and establishes a session.
// Failures render a human-readable page because the requester arrives
// by clicking a link, not from the app.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		s.renderErrorPage(w, http.StatusBadRequest, "Missing sign-in token",
			"The link you followed is incomplete. Request a new sign-in link and try again.")
		return
	}

	claim, err := s.magic.VerifyAndConsume(r.Context(), token)
	if err != nil {
		logger.Errorw("magic link redemption failed", "error", err.Error())
		s.renderErrorPage(w, http.StatusInternalServerError, "Something went wrong",
			"We could not complete your sign-in. Please try again.")
		return
	}
	if claim == nil {
		s.renderErrorPage(w, http.StatusUnauthorized, "Link expired or invalid",
			"This sign-in link has expired or was already used. Request a new one.")
		return
	}

	data := &session.Data{
		User:      session.User{ID: claim.Email, Email: claim.Email},
		Orgs:      []session.OrgClaim{},
		ExpiresAt: s.now().Add(session.DefaultTTL),
	}

	minted, expiresAt, err := s.issuer.IssueIDToken(data.User, data.Orgs, s.isSuperAdmin(claim.Email))
	if err != nil {
		logger.Errorw("failed to mint ID token", "error", err.Error())
		s.renderErrorPage(w, http.StatusInternalServerError, "Something went wrong",
			"We could not complete your sign-in. Please try again.")
		return
	}
	data.IDToken = minted
	data.IDTokenExpiresAt = expiresAt.Add(-refreshMargin).UnixMilli()

	encrypted, err := s.codec.Encrypt(data)
	if err != nil {
		logger.Errorw("failed to encrypt session", "error", err.Error())
		s.renderErrorPage(w, http.StatusInternalServerError, "Something went wrong",
			"We could not complete your sign-in. Please try again.")
		return
	}

	s.jar.SetSession(w, encrypted, session.DefaultTTL)
	s.metrics.sessionsIssued.WithLabelValues("magiclink").Inc()

	target := claim.RedirectURL
	if target == "" {
		target = s.safeRedirect(r.URL.Query().Get("redirect"))
	}
	http.Redirect(w, r, s.redirectTarget(target), http.StatusFound)
}

// safeRedirect admits a caller-supplied redirect only when it is a
// relative path or already on the app origin. The claim-stored value
// was validated at issue time and takes precedence over this one.
func (s *Server) safeRedirect(raw string) string {
	switch {
	case raw == "":
		return ""
	case strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//"):
		return raw
	case strings.HasPrefix(raw, s.appOrigin+"/"), raw == s.appOrigin:
		return raw
	}
	return ""
}

// redirectTarget resolves the stored redirect against the app origin.
// The value was validated same-origin at issue time; relative paths
// are made absolute here.
func (s *Server) redirectTarget(stored string) string {
	if stored == "" {
		return s.appOrigin + "/"
	}
	if strings.HasPrefix(stored, "/") {
		return s.appOrigin + stored
	}
	return stored
}

// rejectRateLimited sends a 429 with machine-readable retry metadata.
func (s *Server) rejectRateLimited(w http.ResponseWriter, result ratelimit.Result, policy ratelimit.Policy) {
	retryAfter := int64(result.RetryAfter(s.now()).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(policy.MaxRequests, 10))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	writeError(w, http.StatusTooManyRequests, "too many requests")
}

func clientIP(r *http.Request) string {
	// middleware.RealIP has already folded X-Forwarded-For into
	// RemoteAddr when the header was present.
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}} - AgentCanvas</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Detail}}</p>
<p><a href="{{.LoginURL}}">Back to sign in</a></p>
</body>
</html>
`))

func (s *Server) renderErrorPage(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	err := errorPage.Execute(w, map[string]string{
		"Title":    title,
		"Detail":   detail,
		"LoginURL": s.appOrigin + "/login",
	})
	if err != nil {
		logger.Errorw("failed to render error page", "error", err.Error())
	}
}
