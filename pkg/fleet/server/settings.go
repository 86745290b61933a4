// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mcpfleet/mcpfleet/pkg/fleet/config"
)

// SettingsRoutes defines the routes for the coordination settings API.
type SettingsRoutes struct {
	manager *config.Manager
}

// SettingsRouter creates a new router for the coordination settings API.
func SettingsRouter(manager *config.Manager) http.Handler {
	routes := SettingsRoutes{manager: manager}

	r := chi.NewRouter()
	r.Get("/", routes.getSettings)
	r.Put("/", routes.updateSettings)
	return r
}

func (s *SettingsRoutes) getSettings(w http.ResponseWriter, _ *http.Request) {
	if err := json.NewEncoder(w).Encode(s.manager.Current()); err != nil {
		http.Error(w, "Failed to encode settings", http.StatusInternalServerError)
	}
}

// updateSettings swaps in new coordination settings. The new values apply to
// all subsequent breaker evaluations; invalid settings are rejected and the
// previous ones stay active. Partial payloads only change the fields they
// name; the decode over the current values runs under the manager's writer
// lock so concurrent updates cannot lose fields.
func (s *SettingsRoutes) updateSettings(w http.ResponseWriter, r *http.Request) {
	err := s.manager.Modify(func(settings *config.Settings) error {
		if err := json.NewDecoder(r.Body).Decode(settings); err != nil {
			return fmt.Errorf("invalid request body: %w", err)
		}
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := json.NewEncoder(w).Encode(s.manager.Current()); err != nil {
		http.Error(w, "Failed to encode settings", http.StatusInternalServerError)
	}
}
