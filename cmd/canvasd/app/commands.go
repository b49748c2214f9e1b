// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the canvasd command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentcanvas/agentcanvas/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "canvasd",
	DisableAutoGenTag: true,
	Short:             "AgentCanvas authentication service",
	Long: `canvasd serves the AgentCanvas authentication subsystem: OAuth sign-in
against the upstream identity provider, magic-link sign-in for allowlisted
addresses, encrypted session cookies, token refresh, and the JWKS document
for downstream verifiers.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the canvasd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("canvasd version: %s", getVersion())
		},
	}
}

// version is injected at build time via -ldflags.
var version = "dev"

func getVersion() string {
	return version
}
