// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the fleetd command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "fleetd",
	DisableAutoGenTag: true,
	Short:             "fleetd coordinates the health of a fleet of MCP tool-provider connections",
	Long: `fleetd keeps a fleet of MCP (Model Context Protocol) tool-provider connections
healthy and observable. It probes every connection on a fixed cadence, runs a
per-connection circuit breaker, disables connections that burn through their
failure-cycle budget, and serves the resulting fleet view over a REST and
WebSocket API.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the fleetd daemon.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)

	return rootCmd
}
