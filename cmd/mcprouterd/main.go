// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command mcprouterd is the entry point for the MCP router daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stacklok/mcp-router/cmd/mcprouterd/app"
	"github.com/stacklok/mcp-router/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Get().Error("mcprouterd exited with error", "err", err)
		os.Exit(1)
	}
}
