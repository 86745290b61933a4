// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the hot, serving-layer-visible view of the fleet.
//
// The cache is a copy-on-write map behind an atomic pointer: the coordinator
// (the single writer) builds a new map for every mutation and swaps the
// pointer, so readers do one atomic load plus a map lookup — O(1), no locks,
// no I/O. Readers must treat returned snapshots as immutable.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/mcpfleet/mcpfleet/pkg/fleet"
)

// Entry is the serving-layer view of a single connection.
type Entry struct {
	// Name is the connection name.
	Name string `json:"name"`

	// Status is the last acknowledged health status.
	Status fleet.HealthStatus `json:"status"`

	// CircuitState is the last acknowledged circuit breaker state.
	CircuitState fleet.CircuitState `json:"circuit_state"`

	// Capabilities are from the most recent successful probe.
	Capabilities fleet.Capabilities `json:"capabilities"`

	// FailureCycleCount is the completed open→half-open→open cycle count.
	FailureCycleCount int `json:"failure_cycle_count"`

	// ConsecutiveFailures is the raw consecutive probe failure count.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastHealthCheck is when the last probe completed. Zero if none has.
	LastHealthCheck time.Time `json:"last_health_check,omitzero"`

	// LastTransition is when Status last changed.
	LastTransition time.Time `json:"last_transition,omitzero"`

	// Disabled carries the disable record for disabled connections.
	Disabled *fleet.DisableRecord `json:"disabled,omitempty"`
}

// Cache is the single-writer, multi-reader fleet view.
type Cache struct {
	snap atomic.Pointer[map[string]Entry]
}

// New returns an empty cache.
func New() *Cache {
	c := &Cache{}
	empty := make(map[string]Entry)
	c.snap.Store(&empty)
	return c
}

// Get returns the entry for a connection name. Safe for concurrent use and
// never blocks.
func (c *Cache) Get(name string) (Entry, bool) {
	e, ok := (*c.snap.Load())[name]
	return e, ok
}

// All returns the current snapshot. The returned map is shared and must not
// be mutated by callers.
func (c *Cache) All() map[string]Entry {
	return *c.snap.Load()
}

// Len returns the number of cached connections.
func (c *Cache) Len() int {
	return len(*c.snap.Load())
}

// Put installs or replaces an entry. Only the coordinator may call this.
func (c *Cache) Put(e Entry) {
	old := *c.snap.Load()
	next := make(map[string]Entry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[e.Name] = e
	c.snap.Store(&next)
}

// Delete evicts an entry. Only the coordinator may call this.
func (c *Cache) Delete(name string) {
	old := *c.snap.Load()
	if _, ok := old[name]; !ok {
		return
	}
	next := make(map[string]Entry, len(old)-1)
	for k, v := range old {
		if k != name {
			next[k] = v
		}
	}
	c.snap.Store(&next)
}

// Replace swaps the whole snapshot at once. Used on coordinator (re)start to
// rebuild the view from the registry before the read API reports anything
// other than unknown.
func (c *Cache) Replace(entries map[string]Entry) {
	next := make(map[string]Entry, len(entries))
	for k, v := range entries {
		next[k] = v
	}
	c.snap.Store(&next)
}
