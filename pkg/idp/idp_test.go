// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(providerURL string) *Config {
	return &Config{
		ClientID:             "client_01",
		ClientSecret:         "sk_test_secret",
		AuthorizeEndpoint:    providerURL + "/authorize",
		AuthenticateEndpoint: providerURL + "/authenticate",
		MembershipsEndpoint:  providerURL + "/organization_memberships",
		RedirectURI:          "https://app.agentcanvas.dev/auth/callback",
	}
}

func TestAuthorizeURL(t *testing.T) {
	t.Parallel()

	client, err := NewClient(testConfig("https://idp.example.com"))
	require.NoError(t, err)

	raw, err := client.AuthorizeURL("random-state")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, "code", u.Query().Get("response_type"))
	assert.Equal(t, "client_01", u.Query().Get("client_id"))
	assert.Equal(t, "https://app.agentcanvas.dev/auth/callback", u.Query().Get("redirect_uri"))
	assert.Equal(t, "random-state", u.Query().Get("state"))

	_, err = client.AuthorizeURL("")
	assert.Error(t, err)
}

func TestExchangeCode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/authenticate", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, "sk_test_secret", r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"user": {"id": "user_01", "email": "ada@example.com", "first_name": "Ada", "last_name": "Lovelace"},
			"access_token": "at",
			"refresh_token": "rt",
			"id_token": "idt",
			"expires_in": 3600
		}`))
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)

	tokens, err := client.ExchangeCode(context.Background(), "the-code")
	require.NoError(t, err)
	assert.Equal(t, "user_01", tokens.User.ID)
	assert.Equal(t, "Ada Lovelace", tokens.User.DisplayName())
	assert.Equal(t, "at", tokens.AccessToken)
	assert.Equal(t, "rt", tokens.RefreshToken)
	assert.Equal(t, "idt", tokens.IDToken)
	assert.Equal(t, int64(3600), tokens.ExpiresIn)
}

func TestRefreshGrant(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-rt", r.PostForm.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user": {"id": "user_01"}, "access_token": "new-at", "expires_in": 3600}`))
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)

	tokens, err := client.Refresh(context.Background(), "old-rt")
	require.NoError(t, err)
	assert.Equal(t, "new-at", tokens.AccessToken)
	assert.Empty(t, tokens.RefreshToken, "provider did not rotate the refresh token")
}

func TestUpstreamErrorNotLeaked(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "invalid_grant", "error_description": "sensitive internal detail"}`))
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = client.ExchangeCode(context.Background(), "bad-code")
	require.ErrorIs(t, err, ErrUpstream)
	assert.NotContains(t, err.Error(), "sensitive internal detail",
		"provider error bodies must never reach callers")
}

func TestOrganizationMemberships(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/organization_memberships", r.URL.Path)
		assert.Equal(t, "user_01", r.URL.Query().Get("user_id"))
		assert.Equal(t, "Bearer sk_test_secret", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": [
			{"organization_id": "org_01", "role": {"slug": "admin"}},
			{"organization_id": "org_02", "role": {"slug": "member"}}
		]}`))
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)

	memberships, err := client.OrganizationMemberships(context.Background(), "user_01")
	require.NoError(t, err)
	require.Len(t, memberships, 2)
	assert.Equal(t, OrgMembership{OrganizationID: "org_01", Role: "admin"}, memberships[0])
	assert.Equal(t, OrgMembership{OrganizationID: "org_02", Role: "member"}, memberships[1])
}

func TestDisplayNameFallback(t *testing.T) {
	t.Parallel()

	u := &User{Email: "grace@example.com"}
	assert.Equal(t, "grace", u.DisplayName())

	u = &User{Email: "grace@example.com", FirstName: "Grace"}
	assert.Equal(t, "Grace", u.DisplayName())
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	cfg := testConfig("https://idp.example.com")
	cfg.ClientSecret = ""
	_, err := NewClient(cfg)
	require.Error(t, err)

	_, err = NewClient(nil)
	require.Error(t, err)
}
