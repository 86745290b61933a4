// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"sort"
	"time"
)

// RecoveryAttempt tracks recovery probing for a single open circuit.
type RecoveryAttempt struct {
	// LastAttempt is when the most recent recovery probe was dispatched.
	// Zero until the first attempt.
	LastAttempt time.Time

	// NextEligible is when the open circuit may transition to half-open.
	NextEligible time.Time
}

// RecoveryManager owns the open→half-open timers. It is a plain bookkeeping
// structure mutated only by the coordinator goroutine, so it carries no
// locking. Probe serialization during half-open is enforced by the
// coordinator's in-flight tracking, not here.
type RecoveryManager struct {
	attempts map[string]*RecoveryAttempt
}

// NewRecoveryManager creates an empty recovery manager.
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{attempts: make(map[string]*RecoveryAttempt)}
}

// ScheduleOpen registers an opened circuit for recovery at the given time,
// replacing any previous schedule for the connection.
func (r *RecoveryManager) ScheduleOpen(name string, nextEligible time.Time) {
	r.attempts[name] = &RecoveryAttempt{NextEligible: nextEligible}
}

// Cancel drops any pending recovery for the connection. Called when a
// circuit closes, or when the connection is disabled or evicted.
func (r *RecoveryManager) Cancel(name string) {
	delete(r.attempts, name)
}

// Due returns the names of connections whose recovery time has arrived,
// sorted for deterministic processing order.
func (r *RecoveryManager) Due(now time.Time) []string {
	var due []string
	for name, a := range r.attempts {
		if !now.Before(a.NextEligible) {
			due = append(due, name)
		}
	}
	sort.Strings(due)
	return due
}

// MarkAttempt records that a recovery probe was dispatched.
func (r *RecoveryManager) MarkAttempt(name string, now time.Time) {
	if a, ok := r.attempts[name]; ok {
		a.LastAttempt = now
	}
}

// Attempt returns the recovery bookkeeping for a connection.
func (r *RecoveryManager) Attempt(name string) (RecoveryAttempt, bool) {
	a, ok := r.attempts[name]
	if !ok {
		return RecoveryAttempt{}, false
	}
	return *a, true
}

// Len returns the number of circuits awaiting recovery.
func (r *RecoveryManager) Len() int {
	return len(r.attempts)
}
