// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the AgentCanvas auth daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentcanvas/agentcanvas/cmd/canvasd/app"
	"github.com/agentcanvas/agentcanvas/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
