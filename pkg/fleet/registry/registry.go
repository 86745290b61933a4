// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

// Package registry defines the durable fleet registry the coordinator reads
// connection definitions from and writes health state back to.
//
// Connection definitions are inserted by external tooling; the coordinator
// adopts them on reload and is the only writer of the state columns
// (single-writer discipline extends across the process/DB boundary).
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/mcpfleet/mcpfleet/pkg/fleet"
)

var (
	// ErrNotFound is returned when a requested connection does not exist.
	ErrNotFound = errors.New("connection not found in registry")

	// ErrAlreadyExists is returned when a connection name is already taken.
	ErrAlreadyExists = errors.New("connection already exists in registry")
)

// State is the coordinator-owned health state persisted per connection.
type State struct {
	// Status is the derived health status.
	Status fleet.HealthStatus

	// CircuitState is the circuit breaker state.
	CircuitState fleet.CircuitState

	// FailureCycleCount is the completed failure-cycle count.
	FailureCycleCount int

	// ConsecutiveFailures is the raw consecutive probe failure count.
	ConsecutiveFailures int

	// LastHealthCheck is when the last probe completed. Zero if none has.
	LastHealthCheck time.Time

	// Disabled carries the disable record, nil while the connection is
	// part of the monitoring loop.
	Disabled *fleet.DisableRecord
}

// Record couples a connection definition with its persisted state.
type Record struct {
	Connection fleet.Connection
	State      State
}

// Store is the durable fleet registry.
type Store interface {
	// List returns all connection records, enabled or not.
	List(ctx context.Context) ([]Record, error)

	// Get returns the record for one connection.
	// Returns ErrNotFound if the connection does not exist.
	Get(ctx context.Context, name string) (Record, error)

	// Create inserts a new connection definition with fresh state.
	// Returns ErrAlreadyExists if the name is taken.
	Create(ctx context.Context, conn fleet.Connection) error

	// Delete removes a connection and its state.
	Delete(ctx context.Context, name string) error

	// UpdateState writes back the coordinator-owned state columns.
	// Returns ErrNotFound if the connection does not exist.
	UpdateState(ctx context.Context, name string, st State) error

	// Close releases the underlying resources.
	Close() error
}
