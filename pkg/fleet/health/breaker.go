// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

// Package health implements the per-connection health machinery of the fleet
// engine: the circuit breaker state machine, the liveness prober, and the
// recovery scheduler that times open→half-open transitions.
//
// The circuit breaker is a pure transition function over an immutable
// Machine value. The coordinator is the only writer of Machine values
// (single-writer discipline); everything else sees copies, so no locking is
// needed here.
package health

import (
	"time"

	"github.com/mcpfleet/mcpfleet/pkg/fleet"
)

// BreakerConfig holds the effective circuit breaker thresholds for one
// connection, after applying registry overrides on top of the global
// settings.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens. Must be >= 1.
	FailureThreshold int

	// OpenTimeout is how long the circuit stays open before probing recovery.
	OpenTimeout time.Duration

	// HalfOpenMaxCalls is the number of consecutive successful probes
	// required to close a half-open circuit. Must be >= 1.
	HalfOpenMaxCalls int
}

// Machine is the circuit breaker state for a single connection.
// It is a value type: Transition returns a new Machine rather than mutating.
type Machine struct {
	// State is the current circuit state.
	State fleet.CircuitState

	// ConsecutiveFailures counts failed probes since the last success while
	// the circuit is closed. This is the CLOSED→OPEN trigger and is distinct
	// from the failure-cycle count, which only advances on the
	// HALF_OPEN→OPEN edge.
	ConsecutiveFailures int

	// HalfOpenSuccesses counts consecutive successful probes while half-open.
	HalfOpenSuccesses int

	// EnteredStateAt is when the machine entered State.
	EnteredStateAt time.Time
}

// NewMachine returns a closed machine.
func NewMachine(now time.Time) Machine {
	return Machine{State: fleet.CircuitClosed, EnteredStateAt: now}
}

// Input is a circuit breaker stimulus.
type Input int

const (
	// InputProbeSuccess is a probe round-trip completed within budget.
	InputProbeSuccess Input = iota

	// InputProbeFailure is a timeout, transport error, or protocol error
	// within the probe budget.
	InputProbeFailure

	// InputRecoveryDue is the recovery timer firing for an open circuit.
	InputRecoveryDue
)

// Effects describes what a transition did, so the coordinator can update
// status, counters, and persistence without re-deriving the edge taken.
type Effects struct {
	// Changed is true when the circuit state changed.
	Changed bool

	// Opened is true when the machine entered OPEN.
	Opened bool

	// Closed is true when the machine entered CLOSED from HALF_OPEN.
	Closed bool

	// HalfOpened is true when the machine entered HALF_OPEN.
	HalfOpened bool

	// CycleCompleted is true exactly on the HALF_OPEN→OPEN edge, which
	// completes one failure cycle.
	CycleCompleted bool

	// Invalid is true when the input is not legal in the current state.
	// Under single-writer sequencing this cannot happen; seeing it means a
	// second writer or a bookkeeping bug, and the coordinator treats it as
	// an invariant violation.
	Invalid bool
}

// Transition applies in to m and returns the successor machine plus effects.
// The four legal edges are:
//
//	CLOSED    → OPEN       after FailureThreshold consecutive failures
//	OPEN      → HALF_OPEN  once OpenTimeout has elapsed (InputRecoveryDue)
//	HALF_OPEN → CLOSED     after HalfOpenMaxCalls consecutive successes
//	HALF_OPEN → OPEN       on any failure while probing
func Transition(m Machine, in Input, now time.Time, cfg BreakerConfig) (Machine, Effects) {
	var fx Effects

	switch m.State {
	case fleet.CircuitClosed:
		switch in {
		case InputProbeSuccess:
			m.ConsecutiveFailures = 0
		case InputProbeFailure:
			m.ConsecutiveFailures++
			if m.ConsecutiveFailures >= cfg.FailureThreshold {
				m.State = fleet.CircuitOpen
				m.EnteredStateAt = now
				fx.Changed = true
				fx.Opened = true
			}
		case InputRecoveryDue:
			// Stray timer tick; nothing to recover.
		}

	case fleet.CircuitOpen:
		switch in {
		case InputRecoveryDue:
			if now.Sub(m.EnteredStateAt) >= cfg.OpenTimeout {
				m.State = fleet.CircuitHalfOpen
				m.EnteredStateAt = now
				m.HalfOpenSuccesses = 0
				fx.Changed = true
				fx.HalfOpened = true
			}
		case InputProbeSuccess, InputProbeFailure:
			// Probes are never dispatched while open; a result arriving here
			// means something else mutated the machine.
			fx.Invalid = true
		}

	case fleet.CircuitHalfOpen:
		switch in {
		case InputProbeSuccess:
			m.HalfOpenSuccesses++
			if m.HalfOpenSuccesses >= cfg.HalfOpenMaxCalls {
				m.State = fleet.CircuitClosed
				m.EnteredStateAt = now
				m.ConsecutiveFailures = 0
				m.HalfOpenSuccesses = 0
				fx.Changed = true
				fx.Closed = true
			}
		case InputProbeFailure:
			m.State = fleet.CircuitOpen
			m.EnteredStateAt = now
			m.HalfOpenSuccesses = 0
			fx.Changed = true
			fx.Opened = true
			fx.CycleCompleted = true
		case InputRecoveryDue:
			// Already probing recovery.
		}

	default:
		fx.Invalid = true
	}

	return m, fx
}

// RecoveryDueAt returns when an open machine becomes eligible for a recovery
// probe, and false for machines that are not open.
func RecoveryDueAt(m Machine, cfg BreakerConfig) (time.Time, bool) {
	if m.State != fleet.CircuitOpen {
		return time.Time{}, false
	}
	return m.EnteredStateAt.Add(cfg.OpenTimeout), true
}
