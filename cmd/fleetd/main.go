// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the fleetd daemon.
package main

import (
	"os"

	"github.com/mcpfleet/mcpfleet/cmd/fleetd/app"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
