// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mcpfleet/mcpfleet/pkg/fleet"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/cache"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/health"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/registry"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

// recoveryTickInterval is how often the loop checks for open circuits whose
// recovery time has arrived. Kept short relative to the smallest plausible
// open timeout.
const recoveryTickInterval = time.Second

// Run executes the coordination loop until ctx is canceled. An invariant
// violation or a panic inside the loop triggers a restart with exponential
// backoff; state is rebuilt from the registry, which stays authoritative.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.stopped)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute

	for {
		err := c.runOnce(ctx)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		c.metrics.RestartsTotal.Inc()
		delay := bo.NextBackOff()
		logger.Errorf("coordinator loop failed, restarting in %v: %v", delay, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce rebuilds state from the registry and processes ticks and commands
// until ctx is canceled or an invariant violation surfaces.
func (c *Coordinator) runOnce(ctx context.Context) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("%w: coordinator panicked: %v", fleet.ErrInvariant, r)
		}
	}()

	if err := c.rebuild(ctx); err != nil {
		return fmt.Errorf("rebuilding fleet state: %w", err)
	}

	monitor := time.NewTicker(c.cfg.CheckInterval)
	defer monitor.Stop()
	recoveryTick := time.NewTicker(recoveryTickInterval)
	defer recoveryTick.Stop()
	reload := time.NewTicker(c.cfg.ReloadInterval)
	defer reload.Stop()

	// Establish statuses right away rather than waiting a full interval.
	c.dispatchFleetProbes(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-monitor.C:
			c.dispatchFleetProbes(ctx)
			c.publishSystemMetrics()

		case now := <-recoveryTick.C:
			if err := c.handleRecoveryDue(ctx, now); err != nil {
				return err
			}

		case <-reload.C:
			if err := c.handleReload(ctx); err != nil {
				logger.Errorf("registry reload failed: %v", err)
			}

		case cmd := <-c.commands:
			if err := c.handleCommand(ctx, cmd); err != nil {
				return err
			}
		}
	}
}

// handleCommand executes one command on the loop goroutine. A returned error
// aborts runOnce and triggers a restart; command-level failures are reported
// through the command's reply channel instead.
func (c *Coordinator) handleCommand(ctx context.Context, cmd command) error {
	switch cmd := cmd.(type) {
	case probeResultCmd:
		return c.handleProbeResult(ctx, cmd)
	case checkNowCmd:
		cmd.reply <- c.handleCheckNow(ctx, cmd.name)
	case enableCmd:
		cmd.reply <- c.handleEnable(ctx, cmd)
	case disableCmd:
		cmd.reply <- c.handleDisable(ctx, cmd)
	case resetCircuitCmd:
		cmd.reply <- c.handleResetCircuit(ctx, cmd.name)
	case reloadCmd:
		cmd.reply <- c.handleReload(ctx)
	case settingsChangedCmd:
		c.handleSettingsChanged(ctx)
	}
	return nil
}

// rebuild loads all connection records and reconstructs loop state and the
// serving cache. Disable records and failure-cycle counts survive restarts;
// circuit machines and statuses do not, so every live connection starts
// unknown until its first probe.
func (c *Coordinator) rebuild(ctx context.Context) error {
	records, err := c.store.List(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	c.conns = make(map[string]*connState, len(records))
	c.recovery = health.NewRecoveryManager()
	entries := make(map[string]cache.Entry, len(records))

	for _, rec := range records {
		if !rec.Connection.Enabled {
			continue
		}
		if err := rec.Connection.Validate(); err != nil {
			logger.Errorf("connection excluded from monitoring: %v", err)
			continue
		}

		st := &connState{
			conn:            rec.Connection,
			machine:         health.NewMachine(now),
			status:          fleet.StatusUnknown,
			cycleCount:      rec.State.FailureCycleCount,
			lastHealthCheck: rec.State.LastHealthCheck,
			disabled:        rec.State.Disabled,
		}
		if st.disabled != nil {
			st.status = fleet.StatusDisabled
		}

		c.conns[rec.Connection.Name] = st
		entries[rec.Connection.Name] = c.cacheEntry(st)
	}

	c.cache.Replace(entries)
	logger.Infof("fleet state rebuilt: %d connections under coordination", len(c.conns))
	return nil
}

// dispatchFleetProbes starts a probe for every live closed-circuit connection
// that does not already have one in flight.
func (c *Coordinator) dispatchFleetProbes(ctx context.Context) {
	if !c.settings.Current().Enabled {
		return
	}
	for _, name := range c.sortedNames() {
		st := c.conns[name]
		if st.disabled != nil || st.probeInFlight {
			continue
		}
		// Open circuits wait for the recovery schedule; half-open probes are
		// serialized by the recovery path.
		if st.machine.State != fleet.CircuitClosed {
			continue
		}
		c.startProbe(ctx, st)
	}
}

// startProbe marks the connection in flight and launches the probe worker.
func (c *Coordinator) startProbe(ctx context.Context, st *connState) {
	st.probeInFlight = true
	conn := st.conn

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("probe for %s panicked: %v", conn.Name, r)
				_ = c.submit(ctx, probeResultCmd{
					name: conn.Name,
					err:  fmt.Errorf("%w: probe panicked: %v", fleet.ErrConnectionUnavailable, r),
				})
			}
		}()

		if err := c.probeSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.probeSem.Release(1)

		result, err := c.prober.Probe(ctx, conn)
		_ = c.submit(ctx, probeResultCmd{name: conn.Name, result: result, err: err})
	}()
}

// handleProbeResult folds a completed probe into the connection's machine and
// derived state. An Invalid transition is an invariant violation and aborts
// the loop.
func (c *Coordinator) handleProbeResult(ctx context.Context, cmd probeResultCmd) error {
	st, ok := c.conns[cmd.name]
	if !ok {
		// Evicted while the probe was in flight.
		return nil
	}
	st.probeInFlight = false
	if st.disabled != nil {
		return nil
	}

	now := time.Now()
	st.lastHealthCheck = now

	input := health.InputProbeSuccess
	outcome := "success"
	if cmd.err != nil {
		input = health.InputProbeFailure
		outcome = "failure"
		st.lastProbeError = cmd.err.Error()
	} else {
		st.lastProbeError = ""
		st.capabilities = cmd.result.Capabilities
	}
	c.metrics.ProbesTotal.WithLabelValues(outcome).Inc()

	cfg := c.effectiveBreakerConfig(st.conn)
	machine, fx := health.Transition(st.machine, input, now, cfg)
	if fx.Invalid {
		return fmt.Errorf("%w: probe result for %s in state %s", fleet.ErrInvariant, cmd.name, st.machine.State)
	}
	st.machine = machine

	if fx.Opened {
		c.metrics.TransitionsTotal.WithLabelValues(string(fleet.CircuitOpen)).Inc()
		if due, ok := health.RecoveryDueAt(machine, cfg); ok {
			c.recovery.ScheduleOpen(cmd.name, due)
		}
	}
	if fx.Closed {
		c.metrics.TransitionsTotal.WithLabelValues(string(fleet.CircuitClosed)).Inc()
		c.recovery.Cancel(cmd.name)
		// A completed recovery wipes the slate.
		st.cycleCount = 0
	}

	if fx.CycleCompleted {
		st.cycleCount++
		logger.Warnw("failure cycle completed",
			"connection", cmd.name,
			"cycle_count", st.cycleCount,
			"last_error", st.lastProbeError)

		settings := c.settings.Current()
		if settings.AutoDisableEnabled && st.cycleCount >= c.effectiveMaxCycles(st.conn) {
			c.autoDisable(ctx, st, now)
			c.publishHealthEvent(st, cmd, now)
			return nil
		}
	}

	c.setStatus(st, c.deriveStatus(st, cmd.err), now)
	c.persistAndServe(ctx, st)
	c.publishHealthEvent(st, cmd, now)

	// Half-open circuits probe one call at a time until they close or trip.
	// If monitoring was switched off mid-recovery the circuit parks half-open;
	// handleSettingsChanged resumes it.
	if st.machine.State == fleet.CircuitHalfOpen && !st.probeInFlight && c.settings.Current().Enabled {
		c.startProbe(ctx, st)
	}
	return nil
}

// deriveStatus maps machine state and the last probe outcome to the
// user-visible status.
func (*Coordinator) deriveStatus(st *connState, probeErr error) fleet.HealthStatus {
	switch st.machine.State {
	case fleet.CircuitOpen:
		return fleet.StatusCircuitOpen
	case fleet.CircuitHalfOpen:
		// Still failing from the outside until the circuit closes.
		return fleet.StatusUnhealthy
	default:
		if probeErr != nil {
			return health.FailureStatus(probeErr)
		}
		return fleet.StatusHealthy
	}
}

// handleRecoveryDue moves due open circuits to half-open and dispatches their
// recovery probes. While monitoring is switched off globally, open circuits
// stay open; their schedules remain and fire on the next tick after
// monitoring resumes.
func (c *Coordinator) handleRecoveryDue(ctx context.Context, now time.Time) error {
	if !c.settings.Current().Enabled {
		return nil
	}
	for _, name := range c.recovery.Due(now) {
		st, ok := c.conns[name]
		if !ok || st.disabled != nil {
			c.recovery.Cancel(name)
			continue
		}

		cfg := c.effectiveBreakerConfig(st.conn)
		machine, fx := health.Transition(st.machine, health.InputRecoveryDue, now, cfg)
		if fx.Invalid {
			return fmt.Errorf("%w: recovery due for %s in state %s", fleet.ErrInvariant, name, st.machine.State)
		}
		if !fx.HalfOpened {
			// Timer raced a state change; reschedule if still open.
			if due, ok := health.RecoveryDueAt(st.machine, cfg); ok {
				c.recovery.ScheduleOpen(name, due)
			} else {
				c.recovery.Cancel(name)
			}
			continue
		}

		st.machine = machine
		c.recovery.Cancel(name)
		c.metrics.TransitionsTotal.WithLabelValues(string(fleet.CircuitHalfOpen)).Inc()
		logger.Infof("circuit for %s entered half-open, probing recovery", name)

		c.setStatus(st, fleet.StatusUnhealthy, now)
		c.persistAndServe(ctx, st)

		if !st.probeInFlight {
			c.recovery.MarkAttempt(name, now)
			c.startProbe(ctx, st)
		}
	}
	return nil
}

// autoDisable removes a connection from the monitoring loop after it exhausts
// its failure-cycle budget.
func (c *Coordinator) autoDisable(ctx context.Context, st *connState, now time.Time) {
	reason := fmt.Sprintf("exceeded %d failure cycles", c.effectiveMaxCycles(st.conn))
	if st.lastProbeError != "" {
		reason += ": " + st.lastProbeError
	}

	st.disabled = &fleet.DisableRecord{
		DisabledAt:    now,
		Reason:        reason,
		Origin:        fleet.DisableOriginAuto,
		CanAutoEnable: true,
	}
	c.recovery.Cancel(st.conn.Name)
	c.metrics.AutoDisablesTotal.Inc()
	logger.Warnw("connection auto-disabled",
		"connection", st.conn.Name,
		"reason", reason)

	c.setStatus(st, fleet.StatusDisabled, now)
	c.persistAndServe(ctx, st)
}

// handleCheckNow forces a probe of one connection or the whole fleet.
func (c *Coordinator) handleCheckNow(ctx context.Context, name string) error {
	if name == "" {
		c.dispatchFleetProbes(ctx)
		return nil
	}

	st, ok := c.conns[name]
	if !ok {
		return fleet.ErrNotFound
	}
	if st.disabled != nil {
		return errDisabled(name)
	}
	if st.probeInFlight {
		// Coalesce with the probe already running.
		return nil
	}
	if st.machine.State == fleet.CircuitOpen {
		return fmt.Errorf("circuit for %s is open; recovery is scheduled", name)
	}
	c.startProbe(ctx, st)
	return nil
}

// handleEnable clears a disable record and readmits the connection.
func (c *Coordinator) handleEnable(ctx context.Context, cmd enableCmd) error {
	st, ok := c.conns[cmd.name]
	if !ok {
		return fleet.ErrNotFound
	}
	if st.disabled == nil {
		return fleet.ErrNotDisabled
	}
	if !st.disabled.CanAutoEnable && !cmd.confirmed {
		return fmt.Errorf("re-enabling %s requires operator confirmation", cmd.name)
	}

	now := time.Now()
	st.disabled = nil
	st.machine = health.NewMachine(now)
	st.lastProbeError = ""
	if cmd.resetCounters {
		st.cycleCount = 0
	}

	logger.Infow("connection re-enabled",
		"connection", cmd.name,
		"reset_counters", cmd.resetCounters)

	c.setStatus(st, fleet.StatusUnknown, now)
	c.persistAndServe(ctx, st)

	if !st.probeInFlight {
		c.startProbe(ctx, st)
	}
	return nil
}

// handleDisable records a manual disable.
func (c *Coordinator) handleDisable(ctx context.Context, cmd disableCmd) error {
	st, ok := c.conns[cmd.name]
	if !ok {
		return fleet.ErrNotFound
	}
	if st.disabled != nil {
		return errDisabled(cmd.name)
	}

	now := time.Now()
	reason := cmd.reason
	if reason == "" {
		reason = "disabled by operator"
	}
	st.disabled = &fleet.DisableRecord{
		DisabledAt:    now,
		Reason:        reason,
		Origin:        fleet.DisableOriginManual,
		CanAutoEnable: false,
	}
	c.recovery.Cancel(cmd.name)

	logger.Infow("connection disabled by operator",
		"connection", cmd.name,
		"reason", reason)

	c.setStatus(st, fleet.StatusDisabled, now)
	c.persistAndServe(ctx, st)
	return nil
}

// handleResetCircuit forces the circuit back to closed, leaving disable state
// and cycle counters untouched.
func (c *Coordinator) handleResetCircuit(ctx context.Context, name string) error {
	st, ok := c.conns[name]
	if !ok {
		return fleet.ErrNotFound
	}
	if st.disabled != nil {
		return errDisabled(name)
	}

	now := time.Now()
	st.machine = health.NewMachine(now)
	c.recovery.Cancel(name)

	logger.Infof("circuit for %s reset to closed", name)

	c.setStatus(st, fleet.StatusUnknown, now)
	c.persistAndServe(ctx, st)

	if !st.probeInFlight {
		c.startProbe(ctx, st)
	}
	return nil
}

// handleReload re-reads definitions from the registry. New connections are
// adopted, removed or registry-disabled ones are evicted, and changed
// definitions are updated in place without disturbing health state.
func (c *Coordinator) handleReload(ctx context.Context) error {
	records, err := c.store.List(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	seen := make(map[string]bool, len(records))

	for _, rec := range records {
		if !rec.Connection.Enabled {
			continue
		}
		if err := rec.Connection.Validate(); err != nil {
			logger.Errorf("connection excluded from monitoring: %v", err)
			continue
		}
		seen[rec.Connection.Name] = true

		if st, ok := c.conns[rec.Connection.Name]; ok {
			st.conn = rec.Connection
			continue
		}

		st := &connState{
			conn:            rec.Connection,
			machine:         health.NewMachine(now),
			status:          fleet.StatusUnknown,
			cycleCount:      rec.State.FailureCycleCount,
			lastHealthCheck: rec.State.LastHealthCheck,
			disabled:        rec.State.Disabled,
		}
		if st.disabled != nil {
			st.status = fleet.StatusDisabled
		}
		c.conns[rec.Connection.Name] = st
		c.cache.Put(c.cacheEntry(st))
		logger.Infof("connection %s adopted from registry", rec.Connection.Name)
	}

	for name := range c.conns {
		if seen[name] {
			continue
		}
		delete(c.conns, name)
		c.recovery.Cancel(name)
		c.cache.Delete(name)
		c.broadcaster.CloseScopedTo(name)
		logger.Infof("connection %s evicted: removed or disabled in registry", name)
	}
	return nil
}

// handleSettingsChanged recomputes recovery schedules for open circuits so a
// shorter open timeout takes effect without waiting out the old one, and
// resumes circuits that parked half-open while monitoring was switched off.
func (c *Coordinator) handleSettingsChanged(ctx context.Context) {
	enabled := c.settings.Current().Enabled
	for name, st := range c.conns {
		if st.disabled != nil {
			continue
		}
		switch st.machine.State {
		case fleet.CircuitOpen:
			if due, ok := health.RecoveryDueAt(st.machine, c.effectiveBreakerConfig(st.conn)); ok {
				c.recovery.ScheduleOpen(name, due)
			}
		case fleet.CircuitHalfOpen:
			if enabled && !st.probeInFlight {
				c.startProbe(ctx, st)
			}
		}
	}
}

// setStatus applies a derived status and emits a status_change event exactly
// once per user-visible change.
func (c *Coordinator) setStatus(st *connState, next fleet.HealthStatus, now time.Time) {
	if st.status == next {
		return
	}
	old := st.status
	st.status = next
	st.lastTransition = now

	logger.Infow("connection status changed",
		"connection", st.conn.Name,
		"old_status", string(old),
		"new_status", string(next))

	c.broadcaster.Publish(fleet.Event{
		Type:           fleet.EventStatusChange,
		ConnectionName: st.conn.Name,
		OldStatus:      old,
		NewStatus:      next,
		Timestamp:      now,
	})
}

// persistAndServe writes the connection's state back to the registry and
// refreshes the serving cache. Registry write failures are logged, not fatal:
// the in-memory view stays ahead and the next write retries implicitly.
func (c *Coordinator) persistAndServe(ctx context.Context, st *connState) {
	update := registry.State{
		Status:              st.status,
		CircuitState:        st.machine.State,
		FailureCycleCount:   st.cycleCount,
		ConsecutiveFailures: st.machine.ConsecutiveFailures,
		LastHealthCheck:     st.lastHealthCheck,
		Disabled:            st.disabled,
	}
	if err := c.store.UpdateState(ctx, st.conn.Name, update); err != nil {
		logger.Errorf("persisting state for %s failed: %v", st.conn.Name, err)
	}

	c.cache.Put(c.cacheEntry(st))
}

// cacheEntry renders the serving-cache view of a connection.
func (*Coordinator) cacheEntry(st *connState) cache.Entry {
	return cache.Entry{
		Name:                st.conn.Name,
		Status:              st.status,
		CircuitState:        st.machine.State,
		Capabilities:        st.capabilities,
		FailureCycleCount:   st.cycleCount,
		ConsecutiveFailures: st.machine.ConsecutiveFailures,
		LastHealthCheck:     st.lastHealthCheck,
		LastTransition:      st.lastTransition,
		Disabled:            st.disabled,
	}
}

// publishHealthEvent emits the per-probe health_event.
func (c *Coordinator) publishHealthEvent(st *connState, cmd probeResultCmd, now time.Time) {
	metadata := map[string]string{
		"outcome":       "success",
		"circuit_state": string(st.machine.State),
		"duration_ms":   strconv.FormatInt(cmd.result.Duration.Milliseconds(), 10),
	}
	if cmd.err != nil {
		metadata["outcome"] = "failure"
		metadata["error"] = cmd.err.Error()
	}

	c.broadcaster.Publish(fleet.Event{
		Type:           fleet.EventHealthEvent,
		ConnectionName: st.conn.Name,
		NewStatus:      st.status,
		Metadata:       metadata,
		Timestamp:      now,
	})
}

// publishSystemMetrics emits the periodic fleet-wide summary event.
func (c *Coordinator) publishSystemMetrics() {
	counts := make(map[fleet.HealthStatus]int)
	for _, st := range c.conns {
		counts[st.status]++
	}

	metadata := map[string]string{
		"connections": strconv.Itoa(len(c.conns)),
		"observers":   strconv.Itoa(c.broadcaster.Stats().Subscribers),
	}
	for status, n := range counts {
		metadata[string(status)] = strconv.Itoa(n)
	}

	c.broadcaster.Publish(fleet.Event{
		Type:      fleet.EventSystemMetrics,
		Metadata:  metadata,
		Timestamp: time.Now(),
	})
}

// sortedNames returns connection names in deterministic order.
func (c *Coordinator) sortedNames() []string {
	names := make([]string, 0, len(c.conns))
	for name := range c.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
