// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"net/http"
	"time"
)

// Cookie names set by the auth subsystem.
const (
	// SessionCookieName carries the encrypted session token.
	SessionCookieName = "session"

	// StateCookieName carries the OAuth CSRF state between the authorize
	// redirect and the callback.
	StateCookieName = "oauth_state"

	// StateCookieTTL bounds how long a pending OAuth round-trip may take.
	StateCookieTTL = 10 * time.Minute
)

// Jar centralizes cookie policy so the security attributes cannot be
// forgotten at an individual call site. All cookies are HttpOnly with
// SameSite=Lax; Lax (rather than Strict) is required so the top-level
// navigation back from the identity provider still carries the cookies.
type Jar struct {
	secure bool
}

// NewJar creates a Jar. Set secure for HTTPS/production deployments.
func NewJar(secure bool) *Jar {
	return &Jar{secure: secure}
}

func (j *Jar) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// SetSession writes the encrypted session token with the given lifetime.
func (j *Jar) SetSession(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, j.cookie(SessionCookieName, token, int(ttl.Seconds())))
}

// ClearSession overwrites the session cookie with a zero-max-age tombstone.
func (j *Jar) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, j.cookie(SessionCookieName, "", -1))
}

// Session returns the raw session token from the request, or "" when absent.
func (*Jar) Session(r *http.Request) string {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// SetState writes the short-lived OAuth CSRF state cookie.
func (j *Jar) SetState(w http.ResponseWriter, state string) {
	http.SetCookie(w, j.cookie(StateCookieName, state, int(StateCookieTTL.Seconds())))
}

// ClearState clears the OAuth CSRF state cookie. Called on every callback,
// success or failure, since the state is consumed either way.
func (j *Jar) ClearState(w http.ResponseWriter) {
	http.SetCookie(w, j.cookie(StateCookieName, "", -1))
}

// State returns the stored CSRF state from the request, or "" when absent.
func (*Jar) State(r *http.Request) string {
	c, err := r.Cookie(StateCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
