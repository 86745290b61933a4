// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

// Package server contains the REST and WebSocket API of the fleet engine.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mcpfleet/mcpfleet/pkg/fleet/cache"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/config"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/coordinator"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/events"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
	"github.com/mcpfleet/mcpfleet/pkg/telemetry"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Commander is the coordinator surface the API drives.
type Commander interface {
	CheckNow(ctx context.Context, name string) error
	Enable(ctx context.Context, name string, opts coordinator.EnableOptions) error
	Disable(ctx context.Context, name, reason string) error
	ResetCircuit(ctx context.Context, name string) error
	Reload(ctx context.Context) error
}

// Deps are the collaborators the API serves from.
type Deps struct {
	Commander   Commander
	Cache       *cache.Cache
	Broadcaster *events.Broadcaster
	Settings    *config.Manager
	Metrics     *telemetry.Metrics
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// Router assembles the full API router.
func Router(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
		headersMiddleware,
	)

	routers := map[string]http.Handler{
		"/health":                 HealthcheckRouter(),
		"/api/v1beta/connections": ConnectionRouter(deps.Commander, deps.Cache),
		"/api/v1beta/settings":    SettingsRouter(deps.Settings),
		"/api/v1beta/events":      EventsRouter(deps.Broadcaster, deps.Cache),
	}
	if deps.Metrics != nil {
		routers["/metrics"] = deps.Metrics.Handler()
	}

	for prefix, router := range routers {
		r.Mount(prefix, router)
	}

	return r
}

// Serve starts the API server on the given address until ctx is canceled.
// It is assumed that the caller sets up appropriate signal handling.
func Serve(ctx context.Context, address string, deps Deps) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           Router(deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	logger.Infof("starting HTTP server on %s", address)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Panicf("server stopped with error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Infof("HTTP server stopped")
	return nil
}
