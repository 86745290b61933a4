// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mcpfleet/mcpfleet/pkg/fleet"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/cache"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/events"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// EventsRoutes defines the observer API.
type EventsRoutes struct {
	broadcaster *events.Broadcaster
	cache       *cache.Cache
}

// EventsRouter creates a new router for the observer API.
func EventsRouter(broadcaster *events.Broadcaster, c *cache.Cache) http.Handler {
	routes := EventsRoutes{broadcaster: broadcaster, cache: c}

	r := chi.NewRouter()
	r.Get("/ws", routes.subscribe)
	return r
}

// initialStatusMessage is the snapshot sent once per subscription, before any
// incremental event.
type initialStatusMessage struct {
	ID          string          `json:"id"`
	Type        fleet.EventType `json:"type"`
	Connections []cache.Entry   `json:"connections"`
	Timestamp   time.Time       `json:"timestamp"`
}

// subscribe upgrades the request to a WebSocket and pumps events to the
// observer until it disconnects or stops answering keepalives.
//
// Filters come from query parameters: ?types=status_change,health_event and
// ?connections=github,jira. Keepalive pings ride the same channel as events;
// the observer answers with a WebSocket pong (browsers do this automatically)
// or a {"type":"pong"} text message.
func (e *EventsRoutes) subscribe(w http.ResponseWriter, r *http.Request) {
	filter := filterFromQuery(r)

	// Authentication happens upstream; the viewer identity arrives as an
	// opaque header and is carried for log correlation only.
	viewer := r.Header.Get("X-Viewer-Identity")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("failed to upgrade the websocket: %v", err)
		return
	}
	defer ws.Close()

	sub := e.broadcaster.Subscribe(filter)
	defer e.broadcaster.Unsubscribe(sub.ID())

	logger.Infow("observer connected",
		"subscription", sub.ID(),
		"viewer", viewer)

	if err := e.sendInitialStatus(ws, filter); err != nil {
		return
	}

	// Reader: consumes control frames and pong messages. Its exit means the
	// observer went away.
	readerDone := make(chan struct{})
	ws.SetPongHandler(func(string) error {
		e.broadcaster.Pong(sub.ID())
		return nil
	})
	go func() {
		defer close(readerDone)
		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(payload, &msg) == nil && msg.Type == "pong" {
				e.broadcaster.Pong(sub.ID())
			}
		}
	}()

	for {
		select {
		case <-readerDone:
			logger.Infof("observer %s disconnected", sub.ID())
			return

		case ev, ok := <-sub.Events():
			if !ok {
				// Dropped by the keepalive sweep or broadcaster shutdown.
				deadline := time.Now().Add(wsWriteTimeout)
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"),
					deadline)
				return
			}

			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if ev.Type == fleet.EventPing {
				if err := ws.WriteControl(websocket.PingMessage, []byte(ev.ID),
					time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
				continue
			}
			if err := ws.WriteJSON(ev); err != nil {
				logger.Infof("observer %s write failed: %v", sub.ID(), err)
				return
			}
		}
	}
}

// sendInitialStatus writes the full fleet snapshot, restricted to the
// subscription's connection filter.
func (e *EventsRoutes) sendInitialStatus(ws *websocket.Conn, filter events.Filter) error {
	wanted := make(map[string]bool, len(filter.Connections))
	for _, name := range filter.Connections {
		wanted[name] = true
	}

	snapshot := e.cache.All()
	entries := make([]cache.Entry, 0, len(snapshot))
	for name, entry := range snapshot {
		if len(wanted) > 0 && !wanted[name] {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return ws.WriteJSON(initialStatusMessage{
		ID:          uuid.NewString(),
		Type:        fleet.EventInitialStatus,
		Connections: entries,
		Timestamp:   time.Now(),
	})
}

// filterFromQuery parses the types and connections query parameters.
func filterFromQuery(r *http.Request) events.Filter {
	var filter events.Filter
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, fleet.EventType(t))
			}
		}
	}
	if raw := r.URL.Query().Get("connections"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				filter.Connections = append(filter.Connections, c)
			}
		}
	}
	return filter
}
