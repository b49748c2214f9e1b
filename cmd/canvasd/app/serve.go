// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentcanvas/agentcanvas/pkg/allowlist"
	"github.com/agentcanvas/agentcanvas/pkg/config"
	"github.com/agentcanvas/agentcanvas/pkg/idp"
	"github.com/agentcanvas/agentcanvas/pkg/kvstore"
	"github.com/agentcanvas/agentcanvas/pkg/logger"
	"github.com/agentcanvas/agentcanvas/pkg/magiclink"
	"github.com/agentcanvas/agentcanvas/pkg/ratelimit"
	"github.com/agentcanvas/agentcanvas/pkg/server"
	"github.com/agentcanvas/agentcanvas/pkg/session"
	"github.com/agentcanvas/agentcanvas/pkg/tokens"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
	serverIdleTimeout  = 60 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication server",
		Long: `Start the authentication server. Configuration comes from flags,
AGENTCANVAS_-prefixed environment variables, and an optional config file.`,
		RunE: runServe,
	}

	cmd.Flags().String("config", "", "Path to a config file")
	cmd.Flags().String("address", "", "Listen address (overrides server.address)")
	if err := viper.BindPFlag("server.address", cmd.Flags().Lookup("address")); err != nil {
		logger.Fatalf("Failed to bind address flag: %v", err)
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	store, err := kvstore.NewRedisStore(ctx, kvstore.Config{
		Addr:          cfg.Redis.Addr,
		Username:      cfg.Redis.Username,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		KeyPrefix:     cfg.Redis.KeyPrefix,
		RequireAtomic: cfg.Redis.RequireAtomic,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("Failed to close store: %v", err)
		}
	}()
	if !store.Atomic() {
		logger.Warn("Redis server lacks script support; falling back to best-effort operations")
	}

	codec, err := session.NewCodec(cfg.Session.Secret)
	if err != nil {
		return fmt.Errorf("failed to create session codec: %w", err)
	}

	idpClient, err := idp.NewClient(&idp.Config{
		ClientID:             cfg.IDP.ClientID,
		ClientSecret:         cfg.IDP.ClientSecret,
		AuthorizeEndpoint:    cfg.IDP.AuthorizeEndpoint,
		AuthenticateEndpoint: cfg.IDP.AuthenticateEndpoint,
		MembershipsEndpoint:  cfg.IDP.MembershipsEndpoint,
		RedirectURI:          cfg.IDP.RedirectURI,
	})
	if err != nil {
		return fmt.Errorf("failed to create identity provider client: %w", err)
	}

	magic, err := magiclink.NewService(store, cfg.Server.AppOrigin)
	if err != nil {
		return fmt.Errorf("failed to create magic link service: %w", err)
	}

	signingKey, err := loadSigningKey(cfg.Tokens.SigningKeyPath)
	if err != nil {
		return err
	}
	issuer, err := tokens.NewIssuer(signingKey, cfg.TokenIssuer(), cfg.Tokens.Audience)
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}
	logger.Infow("token issuer ready", "kid", issuer.KeyID())

	srv, err := server.New(server.Deps{
		Codec:            codec,
		Jar:              session.NewJar(cfg.Server.SecureCookies),
		IDP:              idpClient,
		Gate:             allowlist.NewGate(store, cfg.Auth.AllowedEmails),
		MagicLinks:       magic,
		Limiter:          ratelimit.NewLimiter(store),
		Issuer:           issuer,
		AppOrigin:        cfg.Server.AppOrigin,
		SuperAdminEmails: cfg.Auth.SuperAdminEmails,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srv.Router(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Server listening on %s", cfg.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}

// loadSigningKey loads the operator-provisioned RSA key, or generates
// an ephemeral one when no path is configured. Generated keys change
// on restart, invalidating previously issued ID tokens.
func loadSigningKey(path string) (*rsa.PrivateKey, error) {
	if path != "" {
		key, err := tokens.LoadSigningKey(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		return key, nil
	}

	logger.Warn("No signing key configured; generating an ephemeral development key")
	return tokens.GenerateDevKey()
}
