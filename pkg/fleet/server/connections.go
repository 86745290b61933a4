// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mcpfleet/mcpfleet/pkg/fleet"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/cache"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/coordinator"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

func enableOptions(req enableConnectionRequest) coordinator.EnableOptions {
	return coordinator.EnableOptions{
		ResetCounters: req.ResetCounters,
		Confirmed:     req.Confirmed,
	}
}

// ConnectionRoutes defines the routes for the connection API.
type ConnectionRoutes struct {
	commander Commander
	cache     *cache.Cache
}

// ConnectionRouter creates a new router for the connection API.
func ConnectionRouter(commander Commander, c *cache.Cache) http.Handler {
	routes := ConnectionRoutes{commander: commander, cache: c}

	r := chi.NewRouter()
	r.Get("/", routes.listConnections)
	r.Post("/check", routes.checkFleet)
	r.Post("/reload", routes.reload)
	r.Get("/{name}", routes.getConnection)
	r.Post("/{name}/check", routes.checkConnection)
	r.Post("/{name}/enable", routes.enableConnection)
	r.Post("/{name}/disable", routes.disableConnection)
	r.Post("/{name}/reset-circuit", routes.resetCircuit)
	return r
}

// connectionListResponse is the payload of the connection list endpoint.
type connectionListResponse struct {
	Connections []cache.Entry `json:"connections"`
}

// listConnections serves the fleet view straight from the cache snapshot.
func (c *ConnectionRoutes) listConnections(w http.ResponseWriter, _ *http.Request) {
	snapshot := c.cache.All()
	entries := make([]cache.Entry, 0, len(snapshot))
	for _, entry := range snapshot {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	if err := json.NewEncoder(w).Encode(connectionListResponse{Connections: entries}); err != nil {
		http.Error(w, "Failed to encode connection list", http.StatusInternalServerError)
	}
}

func (c *ConnectionRoutes) getConnection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	entry, ok := c.cache.Get(name)
	if !ok {
		http.Error(w, "Connection not found", http.StatusNotFound)
		return
	}
	if err := json.NewEncoder(w).Encode(entry); err != nil {
		http.Error(w, "Failed to encode connection", http.StatusInternalServerError)
	}
}

func (c *ConnectionRoutes) checkFleet(w http.ResponseWriter, r *http.Request) {
	if err := c.commander.CheckNow(r.Context(), ""); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (c *ConnectionRoutes) checkConnection(w http.ResponseWriter, r *http.Request) {
	if err := c.commander.CheckNow(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// enableConnectionRequest is the body of the enable endpoint.
type enableConnectionRequest struct {
	ResetCounters bool `json:"reset_counters"`
	Confirmed     bool `json:"confirmed"`
}

func (c *ConnectionRoutes) enableConnection(w http.ResponseWriter, r *http.Request) {
	var req enableConnectionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	err := c.commander.Enable(r.Context(), chi.URLParam(r, "name"), enableOptions(req))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// disableConnectionRequest is the body of the disable endpoint.
type disableConnectionRequest struct {
	Reason string `json:"reason"`
}

func (c *ConnectionRoutes) disableConnection(w http.ResponseWriter, r *http.Request) {
	var req disableConnectionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	if err := c.commander.Disable(r.Context(), chi.URLParam(r, "name"), req.Reason); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *ConnectionRoutes) resetCircuit(w http.ResponseWriter, r *http.Request) {
	if err := c.commander.ResetCircuit(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *ConnectionRoutes) reload(w http.ResponseWriter, r *http.Request) {
	if err := c.commander.Reload(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeCommandError maps coordinator command failures to HTTP statuses.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fleet.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, fleet.ErrNotDisabled):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, fleet.ErrCoordinatorStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case strings.Contains(err.Error(), "disabled"),
		strings.Contains(err.Error(), "confirmation"),
		strings.Contains(err.Error(), "open"):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Errorf("connection command failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
