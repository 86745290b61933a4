// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator implements the single-writer coordination loop at the
// heart of the fleet engine.
//
// All mutation of circuit machines, failure-cycle counters, disable records,
// the serving cache, and registry state happens on one goroutine. Probes run
// in a bounded worker pool off the critical path and re-enter the loop as
// commands, so a slow endpoint can never stall coordination. The loop treats
// an illegal circuit transition as proof of a second writer and restarts
// itself with backoff, rebuilding from the registry.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mcpfleet/mcpfleet/pkg/fleet"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/cache"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/config"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/events"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/health"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/registry"
	"github.com/mcpfleet/mcpfleet/pkg/telemetry"
)

// connState is the coordinator's private bookkeeping for one connection.
// Only the loop goroutine touches it.
type connState struct {
	conn fleet.Connection

	machine health.Machine
	status  fleet.HealthStatus

	capabilities    fleet.Capabilities
	cycleCount      int
	lastHealthCheck time.Time
	lastTransition  time.Time
	lastProbeError  string

	disabled *fleet.DisableRecord

	// probeInFlight coalesces concurrent probe requests for the connection.
	probeInFlight bool
}

// Deps are the collaborators the coordinator is wired with.
type Deps struct {
	Config      config.Config
	Settings    *config.Manager
	Store       registry.Store
	Prober      health.Prober
	Cache       *cache.Cache
	Broadcaster *events.Broadcaster
	Metrics     *telemetry.Metrics
}

// Coordinator runs the fleet health-coordination loop.
type Coordinator struct {
	cfg         config.Config
	settings    *config.Manager
	store       registry.Store
	prober      health.Prober
	cache       *cache.Cache
	broadcaster *events.Broadcaster
	metrics     *telemetry.Metrics

	recovery *health.RecoveryManager
	conns    map[string]*connState

	probeSem *semaphore.Weighted
	commands chan command

	// stopped is closed when Run returns for good; commands submitted after
	// that fail fast instead of blocking.
	stopped chan struct{}
}

// New assembles a coordinator. Run must be called before commands are
// submitted.
func New(deps Deps) *Coordinator {
	workers := deps.Config.ProbeWorkers
	if workers < 1 {
		workers = 1
	}
	return &Coordinator{
		cfg:         deps.Config,
		settings:    deps.Settings,
		store:       deps.Store,
		prober:      deps.Prober,
		cache:       deps.Cache,
		broadcaster: deps.Broadcaster,
		metrics:     deps.Metrics,
		recovery:    health.NewRecoveryManager(),
		conns:       make(map[string]*connState),
		probeSem:    semaphore.NewWeighted(int64(workers)),
		commands:    make(chan command, 256),
		stopped:     make(chan struct{}),
	}
}

// command is a request executed on the loop goroutine.
type command interface{ isCommand() }

// probeResultCmd re-enters a completed probe into the loop.
type probeResultCmd struct {
	name   string
	result health.Result
	err    error
}

// checkNowCmd forces an immediate probe. Empty name means the whole fleet.
type checkNowCmd struct {
	name  string
	reply chan error
}

// enableCmd clears a disable record and readmits the connection.
type enableCmd struct {
	name          string
	resetCounters bool
	confirmed     bool
	reply         chan error
}

// disableCmd removes a connection from the monitoring loop by operator
// request.
type disableCmd struct {
	name   string
	reason string
	reply  chan error
}

// resetCircuitCmd forces a connection's circuit back to closed.
type resetCircuitCmd struct {
	name  string
	reply chan error
}

// reloadCmd re-reads connection definitions from the registry.
type reloadCmd struct {
	reply chan error
}

// settingsChangedCmd re-derives schedules that depend on global settings.
type settingsChangedCmd struct{}

func (probeResultCmd) isCommand()     {}
func (checkNowCmd) isCommand()        {}
func (enableCmd) isCommand()          {}
func (disableCmd) isCommand()         {}
func (resetCircuitCmd) isCommand()    {}
func (reloadCmd) isCommand()          {}
func (settingsChangedCmd) isCommand() {}

// submit queues a command for the loop goroutine.
func (c *Coordinator) submit(ctx context.Context, cmd command) error {
	select {
	case c.commands <- cmd:
		return nil
	case <-c.stopped:
		return fleet.ErrCoordinatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call queues a command and waits for its reply.
func (c *Coordinator) call(ctx context.Context, cmd command, reply chan error) error {
	if err := c.submit(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.stopped:
		return fleet.ErrCoordinatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckNow forces an immediate health check of one connection, or of the
// whole fleet when name is empty. Requests for a connection with a probe
// already in flight coalesce into that probe.
func (c *Coordinator) CheckNow(ctx context.Context, name string) error {
	reply := make(chan error, 1)
	return c.call(ctx, checkNowCmd{name: name, reply: reply}, reply)
}

// EnableOptions controls re-enable behavior.
type EnableOptions struct {
	// ResetCounters zeroes the failure-cycle count alongside clearing the
	// disable record.
	ResetCounters bool

	// Confirmed acknowledges re-enabling a connection whose disable record
	// requires operator confirmation.
	Confirmed bool
}

// Enable clears a connection's disable record and readmits it to the
// monitoring loop. Returns fleet.ErrNotDisabled when no record exists.
func (c *Coordinator) Enable(ctx context.Context, name string, opts EnableOptions) error {
	reply := make(chan error, 1)
	return c.call(ctx, enableCmd{
		name:          name,
		resetCounters: opts.ResetCounters,
		confirmed:     opts.Confirmed,
		reply:         reply,
	}, reply)
}

// Disable removes a connection from the monitoring loop by operator request.
func (c *Coordinator) Disable(ctx context.Context, name, reason string) error {
	reply := make(chan error, 1)
	return c.call(ctx, disableCmd{name: name, reason: reason, reply: reply}, reply)
}

// ResetCircuit forces a connection's circuit breaker back to closed without
// touching its disable state.
func (c *Coordinator) ResetCircuit(ctx context.Context, name string) error {
	reply := make(chan error, 1)
	return c.call(ctx, resetCircuitCmd{name: name, reply: reply}, reply)
}

// Reload re-reads connection definitions from the registry, adopting new
// connections and evicting removed or registry-disabled ones.
func (c *Coordinator) Reload(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.call(ctx, reloadCmd{reply: reply}, reply)
}

// NotifySettingsChanged tells the loop that global settings were swapped, so
// schedules derived from them are recomputed. Safe to call from the settings
// manager's change callback.
func (c *Coordinator) NotifySettingsChanged() {
	select {
	case c.commands <- settingsChangedCmd{}:
	case <-c.stopped:
	default:
		// The queue is full of work that will observe the new settings anyway.
	}
}

// QueueDepth reports how many commands are waiting for the loop goroutine.
func (c *Coordinator) QueueDepth() int {
	return len(c.commands)
}

// effectiveBreakerConfig layers a connection's registry overrides on top of
// the current global settings.
func (c *Coordinator) effectiveBreakerConfig(conn fleet.Connection) health.BreakerConfig {
	s := c.settings.Current()
	cfg := health.BreakerConfig{
		FailureThreshold: s.FailureThreshold,
		OpenTimeout:      s.OpenTimeout(),
		HalfOpenMaxCalls: s.HalfOpenMaxCalls,
	}
	if v := conn.Overrides.FailureThreshold; v != nil {
		cfg.FailureThreshold = *v
	}
	if v := conn.Overrides.TimeoutSeconds; v != nil {
		cfg.OpenTimeout = time.Duration(*v) * time.Second
	}
	if v := conn.Overrides.HalfOpenMaxCalls; v != nil {
		cfg.HalfOpenMaxCalls = *v
	}
	return cfg
}

// effectiveMaxCycles returns the failure-cycle limit for a connection.
func (c *Coordinator) effectiveMaxCycles(conn fleet.Connection) int {
	if v := conn.Overrides.MaxFailureCycles; v != nil {
		return *v
	}
	return c.settings.Current().MaxFailureCycles
}

// errDisabled reports an operation rejected because the target is disabled.
func errDisabled(name string) error {
	return fmt.Errorf("connection %s is disabled", name)
}
