// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

// Package idp is the client for the hosted identity provider: authorization
// code exchange, refresh-token exchange, and organization membership lookup.
// Provider error bodies are logged server-side only and never surfaced to
// callers, since they can carry sensitive diagnostic detail.
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentcanvas/agentcanvas/pkg/logger"
)

// maxResponseSize bounds provider response bodies.
const maxResponseSize = 1 << 20 // 1 MiB

// ErrUpstream is the generic error for any non-2xx provider response.
// The provider's own error body is logged, never wrapped into this.
var ErrUpstream = errors.New("identity provider request failed")

// HTTPClient is the outbound HTTP surface, extracted for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the provider endpoints and confidential client credentials.
// The client secret is only ever sent server-to-server.
type Config struct {
	ClientID     string
	ClientSecret string

	// AuthorizeEndpoint is where browsers are redirected to sign in.
	AuthorizeEndpoint string

	// AuthenticateEndpoint accepts code and refresh-token grants.
	AuthenticateEndpoint string

	// MembershipsEndpoint lists a user's organization memberships.
	MembershipsEndpoint string

	// RedirectURI is our callback URL registered with the provider.
	RedirectURI string
}

// Validate checks that all required fields are present.
func (c *Config) Validate() error {
	switch {
	case c == nil:
		return errors.New("config is required")
	case c.ClientID == "":
		return errors.New("client ID is required")
	case c.ClientSecret == "":
		return errors.New("client secret is required")
	case c.AuthorizeEndpoint == "":
		return errors.New("authorize endpoint is required")
	case c.AuthenticateEndpoint == "":
		return errors.New("authenticate endpoint is required")
	case c.MembershipsEndpoint == "":
		return errors.New("memberships endpoint is required")
	case c.RedirectURI == "":
		return errors.New("redirect URI is required")
	}
	return nil
}

// User is the provider's representation of an identity.
type User struct {
	ID                string `json:"id"`
	Email             string `json:"email"`
	FirstName         string `json:"first_name,omitempty"`
	LastName          string `json:"last_name,omitempty"`
	ProfilePictureURL string `json:"profile_picture_url,omitempty"`
}

// DisplayName joins the name parts, falling back to the email local part.
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if at := strings.IndexByte(u.Email, '@'); at > 0 {
		return u.Email[:at]
	}
	return u.Email
}

// TokenResponse is the provider's reply to either grant type.
type TokenResponse struct {
	User         User   `json:"user"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"` // seconds
}

// OrgMembership is one organization claim for a user.
type OrgMembership struct {
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
}

// Client talks to the identity provider.
type Client struct {
	config     *Config
	httpClient HTTPClient
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a provider client from config.
func NewClient(config *Config, opts ...ClientOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid idp config: %w", err)
	}

	c := &Client{
		config:     config,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AuthorizeURL builds the URL to redirect the user to the provider's sign-in
// page. The state must be an unguessable value stored in the caller's CSRF
// state cookie.
func (c *Client) AuthorizeURL(state string) (string, error) {
	if state == "" {
		return "", errors.New("state parameter is required")
	}

	params := url.Values{
		"response_type": {"code"},
		"client_id":     {c.config.ClientID},
		"redirect_uri":  {c.config.RedirectURI},
		"state":         {state},
	}
	return c.config.AuthorizeEndpoint + "?" + params.Encode(), nil
}

// ExchangeCode exchanges an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	logger.Infow("exchanging authorization code for tokens",
		"authenticate_endpoint", c.config.AuthenticateEndpoint,
	)

	return c.authenticate(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
	})
}

// Refresh exchanges a refresh token for a new token set. The provider may
// or may not rotate the refresh token; the caller decides which one to keep.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}

	logger.Debugw("refreshing tokens",
		"authenticate_endpoint", c.config.AuthenticateEndpoint,
	)

	return c.authenticate(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
	})
}

// OrganizationMemberships fetches the organizations the user belongs to.
func (c *Client) OrganizationMemberships(ctx context.Context, userID string) ([]OrgMembership, error) {
	if userID == "" {
		return nil, errors.New("user ID is required")
	}

	endpoint := c.config.MembershipsEndpoint + "?" + url.Values{"user_id": {userID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberships request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.ClientSecret)

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	// The provider wraps the list in a data envelope with a nested role.
	var envelope struct {
		Data []struct {
			OrganizationID string `json:"organization_id"`
			Role           struct {
				Slug string `json:"slug"`
			} `json:"role"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse memberships response: %w", err)
	}

	memberships := make([]OrgMembership, 0, len(envelope.Data))
	for _, m := range envelope.Data {
		memberships = append(memberships, OrgMembership{
			OrganizationID: m.OrganizationID,
			Role:           m.Role.Slug,
		})
	}
	return memberships, nil
}

// authenticate performs a grant request against the authenticate endpoint.
func (c *Client) authenticate(ctx context.Context, params url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.config.AuthenticateEndpoint,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("%w: response missing access token", ErrUpstream)
	}
	return &tokens, nil
}

// do sends the request and returns the body for 2xx responses. Non-2xx
// bodies are logged and collapsed into ErrUpstream.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Errorw("identity provider returned error",
			"status", resp.StatusCode,
			"url", req.URL.Path,
			"body", string(body),
		)
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	return body, nil
}
