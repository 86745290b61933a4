// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"errors"
	"strings"
)

// Common domain errors used across fleet subpackages.
// These errors should be checked using errors.Is().

var (
	// ErrTimeout indicates a probe exceeded its configured budget.
	// Treated identically to a transport failure by the circuit breaker.
	ErrTimeout = errors.New("operation timed out")

	// ErrConnectionUnavailable indicates the endpoint could not be reached
	// at the transport level.
	ErrConnectionUnavailable = errors.New("connection unavailable")

	// ErrProtocol indicates the endpoint answered with an explicit MCP
	// protocol error. Counts as a probe failure.
	ErrProtocol = errors.New("protocol error")

	// ErrInvalidConfig indicates a malformed registry entry or settings
	// payload. The affected connection is excluded from monitoring until
	// corrected.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound indicates the named connection is not part of the fleet.
	ErrNotFound = errors.New("connection not found")

	// ErrNotDisabled is returned by re-enable when the target connection
	// carries no disable record.
	ErrNotDisabled = errors.New("connection is not disabled")

	// ErrInvariant indicates an illegal state transition or a detected
	// second writer. Fatal to the coordinator task, which restarts with
	// backoff; the registry remains authoritative.
	ErrInvariant = errors.New("coordination invariant violated")

	// ErrCoordinatorStopped is returned for commands submitted after the
	// coordinator shut down.
	ErrCoordinatorStopped = errors.New("coordinator stopped")
)

// IsTimeoutError reports whether err looks like a timeout, either via the
// sentinel or by string inspection of errors from sources that don't wrap.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	errLower := strings.ToLower(err.Error())
	return strings.Contains(errLower, "timeout") ||
		strings.Contains(errLower, "deadline exceeded")
}

// IsConnectionError reports whether err looks like a transport-level
// reachability failure.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionUnavailable) {
		return true
	}
	errLower := strings.ToLower(err.Error())
	return strings.Contains(errLower, "connection refused") ||
		strings.Contains(errLower, "connection reset") ||
		strings.Contains(errLower, "no route to host") ||
		strings.Contains(errLower, "network is unreachable") ||
		strings.Contains(errLower, "no such host")
}
