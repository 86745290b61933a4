// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mcpfleet/mcpfleet/pkg/fleet/cache"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/config"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/coordinator"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/events"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/health"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/registry/sqlite"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/server"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
	"github.com/mcpfleet/mcpfleet/pkg/telemetry"
)

var configFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fleet coordination daemon",
	Long: `Starts the coordination loop and the API server. The loop probes every
registered connection, drives the per-connection circuit breakers, and keeps
the registry and serving cache in sync; the API serves the fleet view and
operator commands.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		v := viper.GetViper()
		if configFile != "" {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config file: %w", err)
			}
		}

		cfg, err := config.Load(v)
		if err != nil {
			return err
		}

		settings, err := config.NewManager(cfg.Settings)
		if err != nil {
			return err
		}

		store, err := sqlite.New(ctx, cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening fleet registry: %w", err)
		}
		defer store.Close()

		serving := cache.New()
		broadcaster := events.New(events.Options{})
		defer broadcaster.Close()

		metrics := telemetry.NewMetrics()
		metrics.ObserveBroadcaster(func() telemetry.BroadcasterStats {
			stats := broadcaster.Stats()
			return telemetry.BroadcasterStats{
				Subscribers:   stats.Subscribers,
				QueueDepth:    stats.QueueDepth,
				DroppedEvents: stats.DroppedEvents,
				QueueDrops:    stats.QueueDrops,
			}
		})
		metrics.ObserveCacheSize(serving.Len)

		coord := coordinator.New(coordinator.Deps{
			Config:      cfg,
			Settings:    settings,
			Store:       store,
			Prober:      health.NewHTTPProber(cfg.ProbeTimeout),
			Cache:       serving,
			Broadcaster: broadcaster,
			Metrics:     metrics,
		})

		metrics.ObserveCommandQueue(coord.QueueDepth)

		settings.OnChange(func(config.Settings) {
			coord.NotifySettingsChanged()
		})
		if configFile != "" {
			settings.Watch(v)
		}

		logger.Infow("fleetd starting",
			"address", cfg.Address,
			"database", cfg.DatabasePath,
			"check_interval", cfg.CheckInterval.String())

		group, ctx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return coord.Run(ctx)
		})
		group.Go(func() error {
			return server.Serve(ctx, cfg.Address, server.Deps{
				Commander:   coord,
				Cache:       serving,
				Broadcaster: broadcaster,
				Settings:    settings,
				Metrics:     metrics,
			})
		})

		err = group.Wait()
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&configFile, "config", "", "Path to the fleetd config file")
}
