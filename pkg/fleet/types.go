// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

// Package fleet defines the domain types shared by the fleet
// health-coordination engine: managed MCP connections, their derived health
// statuses, circuit breaker states, disable records, and transition events.
package fleet

import (
	"fmt"
	"time"
)

// Protocol identifies the transport protocol of an MCP connection.
type Protocol string

const (
	// ProtocolStreamableHTTP is the MCP streamable HTTP transport.
	ProtocolStreamableHTTP Protocol = "streamable-http"
	// ProtocolSSE is the legacy MCP SSE transport.
	ProtocolSSE Protocol = "sse"
)

// Connection is the definition of a managed MCP connection as read from the
// fleet registry. Definitions are created externally; the coordinator adopts
// them on reload and never mutates them.
type Connection struct {
	// Name uniquely identifies the connection within the fleet.
	Name string

	// Endpoint is the base URL of the tool provider.
	Endpoint string

	// Protocol is the MCP transport protocol spoken at Endpoint.
	Protocol Protocol

	// Enabled indicates whether the connection should be monitored at all.
	// A connection disabled in the registry is evicted from the serving cache.
	Enabled bool

	// Timeout bounds every probe against this connection. Zero means the
	// global default applies.
	Timeout time.Duration

	// AuthRef is an opaque reference to upstream-managed credentials.
	// The coordinator passes it through to the prober untouched.
	AuthRef string

	// Overrides carries optional per-connection threshold overrides.
	Overrides ThresholdOverrides
}

// Validate checks a connection definition read from the registry. Invalid
// definitions are excluded from monitoring until corrected.
func (c Connection) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: connection name must not be empty", ErrInvalidConfig)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("%w: connection %s has no endpoint", ErrInvalidConfig, c.Name)
	}
	switch c.Protocol {
	case ProtocolStreamableHTTP, ProtocolSSE:
	default:
		return fmt.Errorf("%w: connection %s has unknown protocol %q", ErrInvalidConfig, c.Name, c.Protocol)
	}
	return nil
}

// ThresholdOverrides holds optional per-connection settings that take
// precedence over the global coordination settings. Nil fields fall back to
// the global value.
type ThresholdOverrides struct {
	FailureThreshold *int
	TimeoutSeconds   *int
	HalfOpenMaxCalls *int
	MaxFailureCycles *int
}

// HealthStatus is the user-visible, coordinator-owned health of a connection.
type HealthStatus string

const (
	// StatusHealthy means the last probe completed within budget.
	StatusHealthy HealthStatus = "healthy"
	// StatusUnhealthy means probes are failing but the circuit has not opened.
	StatusUnhealthy HealthStatus = "unhealthy"
	// StatusDisconnected means the endpoint is unreachable at the transport level.
	StatusDisconnected HealthStatus = "disconnected"
	// StatusCircuitOpen means the circuit breaker is blocking calls.
	StatusCircuitOpen HealthStatus = "circuit_open"
	// StatusDisabled means the connection was removed from the monitoring
	// loop, either automatically after repeated failure cycles or by an
	// operator.
	StatusDisabled HealthStatus = "disabled"
	// StatusUnknown means no probe has completed since the connection was
	// adopted or the coordinator restarted.
	StatusUnknown HealthStatus = "unknown"
)

// CircuitState represents the state of a connection's circuit breaker.
type CircuitState string

const (
	// CircuitClosed indicates normal operation - probes pass through.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen indicates failing state - probes are blocked.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen indicates recovery testing - one probe at a time.
	CircuitHalfOpen CircuitState = "half_open"
)

// DisableOrigin distinguishes how a connection came to be disabled.
// Conflating the two would make re-enable ambiguous.
type DisableOrigin string

const (
	// DisableOriginAuto marks a connection disabled by the failure-cycle limit.
	DisableOriginAuto DisableOrigin = "auto"
	// DisableOriginManual marks a connection disabled by an operator command.
	DisableOriginManual DisableOrigin = "manual"
)

// DisableRecord is attached to a connection when it leaves the monitoring
// loop. It is cleared only by an explicit re-enable command.
type DisableRecord struct {
	// DisabledAt is when the connection was disabled.
	DisabledAt time.Time

	// Reason is a human-readable explanation. For auto-disables it includes
	// the completed cycle count and the last probe error.
	Reason string

	// Origin records whether the disable was automatic or manual.
	Origin DisableOrigin

	// CanAutoEnable indicates whether the re-enable command may skip operator
	// confirmation. Always true for auto-disables.
	CanAutoEnable bool
}

// Capabilities is the serving-layer-visible capability summary of a
// connection, refreshed from the most recent successful probe.
type Capabilities struct {
	// ProtocolVersion is the MCP protocol version negotiated on initialize.
	ProtocolVersion string `json:"protocol_version,omitempty"`

	// Tools indicates the connection advertises tool support.
	Tools bool `json:"tools"`

	// Resources indicates the connection advertises resource support.
	Resources bool `json:"resources"`

	// Prompts indicates the connection advertises prompt support.
	Prompts bool `json:"prompts"`
}

// EventType identifies the kind of message pushed to observers.
type EventType string

const (
	// EventInitialStatus is the full snapshot sent once on subscribe.
	EventInitialStatus EventType = "initial_status"
	// EventStatusChange is emitted exactly once per user-visible status change.
	EventStatusChange EventType = "status_change"
	// EventHealthEvent is emitted for every completed probe.
	EventHealthEvent EventType = "health_event"
	// EventSystemMetrics carries a periodic fleet-wide summary.
	EventSystemMetrics EventType = "system_metrics"
	// EventPing is the broadcaster keepalive observers must answer.
	EventPing EventType = "ping"
)

// Event is an immutable record of a transition or health observation,
// delivered to each observer at least once, in per-connection order.
type Event struct {
	ID             string            `json:"id"`
	Type           EventType         `json:"type"`
	ConnectionName string            `json:"connection_name,omitempty"`
	OldStatus      HealthStatus      `json:"old_status,omitempty"`
	NewStatus      HealthStatus      `json:"new_status,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}
