// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpfleet/mcpfleet/pkg/fleet"
)

func testConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		OpenTimeout:      time.Minute,
		HalfOpenMaxCalls: 1,
	}
}

func TestTransition_InitialState(t *testing.T) {
	t.Parallel()

	m := NewMachine(time.Now())

	assert.Equal(t, fleet.CircuitClosed, m.State)
	assert.Equal(t, 0, m.ConsecutiveFailures)
}

func TestTransition_ClosedToOpen(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	now := time.Now()
	m := NewMachine(now)

	// Failures below the threshold keep the circuit closed.
	for i := 0; i < cfg.FailureThreshold-1; i++ {
		var fx Effects
		m, fx = Transition(m, InputProbeFailure, now, cfg)
		assert.Equal(t, fleet.CircuitClosed, m.State)
		assert.False(t, fx.Changed)
	}

	// One more failure opens it.
	m, fx := Transition(m, InputProbeFailure, now, cfg)
	assert.Equal(t, fleet.CircuitOpen, m.State)
	assert.True(t, fx.Opened)
	assert.True(t, fx.Changed)
	assert.False(t, fx.CycleCompleted, "CLOSED→OPEN does not complete a cycle")
	assert.Equal(t, cfg.FailureThreshold, m.ConsecutiveFailures)
}

func TestTransition_SuccessResetsConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	now := time.Now()
	m := NewMachine(now)

	m, _ = Transition(m, InputProbeFailure, now, cfg)
	m, _ = Transition(m, InputProbeFailure, now, cfg)
	require.Equal(t, 2, m.ConsecutiveFailures)

	m, fx := Transition(m, InputProbeSuccess, now, cfg)
	assert.Equal(t, 0, m.ConsecutiveFailures)
	assert.False(t, fx.Changed)
	assert.Equal(t, fleet.CircuitClosed, m.State)
}

func TestTransition_OpenToHalfOpen(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	now := time.Now()
	m := openMachine(t, now, cfg)

	// Timer fires before the timeout has elapsed: stays open.
	m, fx := Transition(m, InputRecoveryDue, now.Add(cfg.OpenTimeout/2), cfg)
	assert.Equal(t, fleet.CircuitOpen, m.State)
	assert.False(t, fx.Changed)

	// Timer fires at the timeout: half-open.
	m, fx = Transition(m, InputRecoveryDue, now.Add(cfg.OpenTimeout), cfg)
	assert.Equal(t, fleet.CircuitHalfOpen, m.State)
	assert.True(t, fx.HalfOpened)
	assert.Equal(t, 0, m.HalfOpenSuccesses)
}

func TestTransition_HalfOpenToClosed(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.HalfOpenMaxCalls = 2
	now := time.Now()
	m := halfOpenMachine(t, now, cfg)

	m, fx := Transition(m, InputProbeSuccess, now, cfg)
	assert.Equal(t, fleet.CircuitHalfOpen, m.State, "needs two successes to close")
	assert.False(t, fx.Changed)
	assert.Equal(t, 1, m.HalfOpenSuccesses)

	m, fx = Transition(m, InputProbeSuccess, now, cfg)
	assert.Equal(t, fleet.CircuitClosed, m.State)
	assert.True(t, fx.Closed)
	assert.Equal(t, 0, m.ConsecutiveFailures)
}

func TestTransition_HalfOpenToOpenCompletesCycle(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	now := time.Now()
	m := halfOpenMachine(t, now, cfg)

	m, fx := Transition(m, InputProbeFailure, now, cfg)
	assert.Equal(t, fleet.CircuitOpen, m.State)
	assert.True(t, fx.Opened)
	assert.True(t, fx.CycleCompleted)
}

func TestTransition_CycleCompletedOnlyOnHalfOpenFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	now := time.Now()

	// Walk every legal edge and count cycle completions.
	m := NewMachine(now)
	cycles := 0
	step := func(in Input, at time.Time) {
		var fx Effects
		m, fx = Transition(m, in, at, cfg)
		if fx.CycleCompleted {
			cycles++
		}
	}

	for i := 0; i < cfg.FailureThreshold; i++ {
		step(InputProbeFailure, now) // CLOSED→OPEN on the last one
	}
	assert.Equal(t, 0, cycles)

	step(InputRecoveryDue, now.Add(cfg.OpenTimeout)) // OPEN→HALF_OPEN
	assert.Equal(t, 0, cycles)

	step(InputProbeFailure, now.Add(cfg.OpenTimeout)) // HALF_OPEN→OPEN
	assert.Equal(t, 1, cycles)

	step(InputRecoveryDue, now.Add(2*cfg.OpenTimeout)) // OPEN→HALF_OPEN
	step(InputProbeSuccess, now.Add(2*cfg.OpenTimeout)) // HALF_OPEN→CLOSED
	assert.Equal(t, 1, cycles)
}

func TestTransition_ProbeResultWhileOpenIsInvalid(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	now := time.Now()
	m := openMachine(t, now, cfg)

	_, fx := Transition(m, InputProbeSuccess, now, cfg)
	assert.True(t, fx.Invalid)

	_, fx = Transition(m, InputProbeFailure, now, cfg)
	assert.True(t, fx.Invalid)
}

func TestRecoveryDueAt(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	now := time.Now()

	_, ok := RecoveryDueAt(NewMachine(now), cfg)
	assert.False(t, ok)

	m := openMachine(t, now, cfg)
	due, ok := RecoveryDueAt(m, cfg)
	require.True(t, ok)
	assert.Equal(t, m.EnteredStateAt.Add(cfg.OpenTimeout), due)
}

// openMachine drives a fresh machine to OPEN.
func openMachine(t *testing.T, now time.Time, cfg BreakerConfig) Machine {
	t.Helper()
	m := NewMachine(now)
	for i := 0; i < cfg.FailureThreshold; i++ {
		m, _ = Transition(m, InputProbeFailure, now, cfg)
	}
	require.Equal(t, fleet.CircuitOpen, m.State)
	return m
}

// halfOpenMachine drives a fresh machine to HALF_OPEN.
func halfOpenMachine(t *testing.T, now time.Time, cfg BreakerConfig) Machine {
	t.Helper()
	m := openMachine(t, now, cfg)
	m, _ = Transition(m, InputRecoveryDue, now.Add(cfg.OpenTimeout), cfg)
	require.Equal(t, fleet.CircuitHalfOpen, m.State)
	return m
}
