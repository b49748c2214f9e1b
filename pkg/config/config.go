// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the canvasd configuration from
// environment variables, flags, and an optional config file.
package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinSessionSecretLength is the minimum length for the session secret
// in bytes. 32 bytes (256 bits) per OWASP/NIST guidelines.
const MinSessionSecretLength = 32

// Config is the fully resolved canvasd configuration. All values are
// concrete; no further environment lookups happen after Load.
type Config struct {
	// Server configures the HTTP listener and cookie behavior.
	Server ServerConfig `mapstructure:"server"`

	// Redis configures the key-value store backing rate limits,
	// magic-link tokens, and the dynamic allowlist.
	Redis RedisConfig `mapstructure:"redis"`

	// Session configures the session cookie codec.
	Session SessionConfig `mapstructure:"session"`

	// IDP configures the upstream identity provider.
	IDP IDPConfig `mapstructure:"idp"`

	// Auth configures allowlists and admin access.
	Auth AuthConfig `mapstructure:"auth"`

	// Tokens configures the local ID token issuer.
	Tokens TokensConfig `mapstructure:"tokens"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Address is the listen address, e.g. ":8080".
	Address string `mapstructure:"address"`

	// AppOrigin is the public origin of the application, used for
	// magic-link URLs and redirect validation.
	AppOrigin string `mapstructure:"app_origin"`

	// SecureCookies marks session cookies Secure. Disable only for
	// local development over plain HTTP.
	SecureCookies bool `mapstructure:"secure_cookies"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// KeyPrefix namespaces all keys, for shared Redis deployments.
	KeyPrefix string `mapstructure:"key_prefix"`

	// RequireAtomic refuses to start against servers without script
	// support instead of falling back to best-effort operations.
	RequireAtomic bool `mapstructure:"require_atomic"`
}

// SessionConfig configures session encryption.
type SessionConfig struct {
	// Secret is the key material for session cookie encryption.
	// Must be at least MinSessionSecretLength bytes and consistent
	// across replicas.
	Secret string `mapstructure:"secret"`
}

// IDPConfig configures the upstream identity provider.
type IDPConfig struct {
	ClientID             string `mapstructure:"client_id"`
	ClientSecret         string `mapstructure:"client_secret"`
	AuthorizeEndpoint    string `mapstructure:"authorize_endpoint"`
	AuthenticateEndpoint string `mapstructure:"authenticate_endpoint"`
	MembershipsEndpoint  string `mapstructure:"memberships_endpoint"`
	RedirectURI          string `mapstructure:"redirect_uri"`
}

// AuthConfig configures allowlists and privileged access.
type AuthConfig struct {
	// AllowedEmails is the static allowlist. Members can always sign
	// in and cannot be removed through the admin API.
	AllowedEmails []string `mapstructure:"allowed_emails"`

	// SuperAdminEmails marks users whose issued ID tokens carry the
	// super_admin claim.
	SuperAdminEmails []string `mapstructure:"super_admin_emails"`
}

// TokensConfig configures the local ID token issuer.
type TokensConfig struct {
	// Issuer is the iss claim of issued tokens. Defaults to the app
	// origin when empty.
	Issuer string `mapstructure:"issuer"`

	// Audience is the aud claim of issued tokens.
	Audience string `mapstructure:"audience"`

	// SigningKeyPath points at a PEM-encoded RSA private key. When
	// empty an ephemeral development key is generated at startup.
	SigningKeyPath string `mapstructure:"signing_key_path"`
}

// Load resolves the configuration from viper. Values come from flags
// bound by the command, environment variables prefixed AGENTCANVAS_
// (dots replaced by underscores), and an optional config file.
func Load(configFile string) (*Config, error) {
	v := viper.GetViper()
	setDefaults(v)

	v.SetEnvPrefix("AGENTCANVAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.app_origin", "http://localhost:3000")
	v.SetDefault("server.secure_cookies", true)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "agentcanvas:")
	v.SetDefault("tokens.audience", "agentcanvas")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.require_atomic", false)

	// Viper only resolves environment variables for keys it already
	// knows about, so register the rest with empty defaults.
	for _, key := range []string{
		"redis.username", "redis.password",
		"session.secret",
		"idp.client_id", "idp.client_secret", "idp.authorize_endpoint",
		"idp.authenticate_endpoint", "idp.memberships_endpoint", "idp.redirect_uri",
		"auth.allowed_emails", "auth.super_admin_emails",
		"tokens.issuer", "tokens.signing_key_path",
	} {
		if !v.IsSet(key) {
			v.SetDefault(key, "")
		}
	}
}

// Validate checks the configuration, collecting all problems so the
// operator sees every missing value at once. Client-facing responses
// never reveal which value was missing; this error is for logs only.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Address == "" {
		problems = append(problems, "server address is required")
	}
	if origin, err := url.Parse(c.Server.AppOrigin); err != nil || origin.Scheme == "" || origin.Host == "" {
		problems = append(problems, "app origin must be an absolute URL")
	}

	if c.Redis.Addr == "" {
		problems = append(problems, "redis address is required")
	}

	if len(c.Session.Secret) < MinSessionSecretLength {
		problems = append(problems, fmt.Sprintf("session secret must be at least %d bytes", MinSessionSecretLength))
	}

	if err := c.IDP.validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}

	return nil
}

func (c *IDPConfig) validate() error {
	var missing []string
	for name, value := range map[string]string{
		"client_id":             c.ClientID,
		"client_secret":         c.ClientSecret,
		"authorize_endpoint":    c.AuthorizeEndpoint,
		"authenticate_endpoint": c.AuthenticateEndpoint,
		"memberships_endpoint":  c.MembershipsEndpoint,
		"redirect_uri":          c.RedirectURI,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		// map iteration order is random
		slices.Sort(missing)
		return fmt.Errorf("idp settings missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// TokenIssuer returns the configured issuer, defaulting to the app
// origin.
func (c *Config) TokenIssuer() string {
	if c.Tokens.Issuer != "" {
		return c.Tokens.Issuer
	}
	return c.Server.AppOrigin
}
