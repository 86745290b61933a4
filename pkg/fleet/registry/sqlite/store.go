// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlite provides the SQLite-backed fleet registry.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/mcpfleet/mcpfleet/pkg/fleet"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/registry"
)

// Store implements registry.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ registry.Store = (*Store)(nil)

// New opens (creating if necessary) the registry database at path and applies
// pending migrations. Pass ":memory:" for an ephemeral registry.
func New(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// The coordinator is the sole state writer; a single connection keeps
	// SQLite's locking out of the picture entirely.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// connectionColumns is the SELECT column list shared by Get and List.
const connectionColumns = `name, endpoint, protocol, enabled, timeout_ms, auth_ref,
	failure_threshold, timeout_seconds, half_open_max_calls, max_failure_cycles,
	status, circuit_state, failure_cycle_count, consecutive_failures,
	last_health_check, disabled_at, disabled_reason, disable_origin, can_auto_enable`

// List returns all connection records ordered by name.
func (s *Store) List(ctx context.Context) ([]registry.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []registry.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection rows: %w", err)
	}

	return records, nil
}

// Get retrieves a single connection record by name.
func (s *Store) Get(ctx context.Context, name string) (registry.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE name = ?`, name)
	return scanRecord(row)
}

// Create inserts a new connection definition with fresh health state.
func (s *Store) Create(ctx context.Context, conn fleet.Connection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (
			name, endpoint, protocol, enabled, timeout_ms, auth_ref,
			failure_threshold, timeout_seconds, half_open_max_calls, max_failure_cycles
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.Name,
		conn.Endpoint,
		string(conn.Protocol),
		boolToInt(conn.Enabled),
		conn.Timeout.Milliseconds(),
		conn.AuthRef,
		conn.Overrides.FailureThreshold,
		conn.Overrides.TimeoutSeconds,
		conn.Overrides.HalfOpenMaxCalls,
		conn.Overrides.MaxFailureCycles,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return registry.ErrAlreadyExists
		}
		return fmt.Errorf("inserting connection: %w", err)
	}
	return nil
}

// Delete removes a connection and its state.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting affected rows: %w", err)
	}
	if affected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// UpdateState writes back the coordinator-owned state columns.
func (s *Store) UpdateState(ctx context.Context, name string, st registry.State) error {
	var (
		lastCheck      sql.NullString
		disabledAt     sql.NullString
		disabledReason sql.NullString
		disableOrigin  sql.NullString
		canAutoEnable  int
	)
	if !st.LastHealthCheck.IsZero() {
		lastCheck = sql.NullString{String: st.LastHealthCheck.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if st.Disabled != nil {
		disabledAt = sql.NullString{String: st.Disabled.DisabledAt.UTC().Format(time.RFC3339Nano), Valid: true}
		disabledReason = sql.NullString{String: st.Disabled.Reason, Valid: true}
		disableOrigin = sql.NullString{String: string(st.Disabled.Origin), Valid: true}
		canAutoEnable = boolToInt(st.Disabled.CanAutoEnable)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE connections SET
			status = ?,
			circuit_state = ?,
			failure_cycle_count = ?,
			consecutive_failures = ?,
			last_health_check = ?,
			disabled_at = ?,
			disabled_reason = ?,
			disable_origin = ?,
			can_auto_enable = ?
		WHERE name = ?`,
		string(st.Status),
		string(st.CircuitState),
		st.FailureCycleCount,
		st.ConsecutiveFailures,
		lastCheck,
		disabledAt,
		disabledReason,
		disableOrigin,
		canAutoEnable,
		name,
	)
	if err != nil {
		return fmt.Errorf("updating connection state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting affected rows: %w", err)
	}
	if affected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanRecord.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans one connections row into a registry.Record.
func scanRecord(row rowScanner) (registry.Record, error) {
	var (
		rec       registry.Record
		protocol  string
		enabled   int
		timeoutMS int64

		failureThreshold sql.NullInt64
		timeoutSeconds   sql.NullInt64
		halfOpenMaxCalls sql.NullInt64
		maxFailureCycles sql.NullInt64

		status       string
		circuitState string
		lastCheck    sql.NullString

		disabledAt     sql.NullString
		disabledReason sql.NullString
		disableOrigin  sql.NullString
		canAutoEnable  int
	)

	err := row.Scan(
		&rec.Connection.Name,
		&rec.Connection.Endpoint,
		&protocol,
		&enabled,
		&timeoutMS,
		&rec.Connection.AuthRef,
		&failureThreshold,
		&timeoutSeconds,
		&halfOpenMaxCalls,
		&maxFailureCycles,
		&status,
		&circuitState,
		&rec.State.FailureCycleCount,
		&rec.State.ConsecutiveFailures,
		&lastCheck,
		&disabledAt,
		&disabledReason,
		&disableOrigin,
		&canAutoEnable,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return registry.Record{}, registry.ErrNotFound
		}
		return registry.Record{}, fmt.Errorf("scanning connection row: %w", err)
	}

	rec.Connection.Protocol = fleet.Protocol(protocol)
	rec.Connection.Enabled = enabled != 0
	rec.Connection.Timeout = time.Duration(timeoutMS) * time.Millisecond
	rec.Connection.Overrides = fleet.ThresholdOverrides{
		FailureThreshold: nullableInt(failureThreshold),
		TimeoutSeconds:   nullableInt(timeoutSeconds),
		HalfOpenMaxCalls: nullableInt(halfOpenMaxCalls),
		MaxFailureCycles: nullableInt(maxFailureCycles),
	}
	rec.State.Status = fleet.HealthStatus(status)
	rec.State.CircuitState = fleet.CircuitState(circuitState)

	if lastCheck.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastCheck.String)
		if err != nil {
			return registry.Record{}, fmt.Errorf("parsing last_health_check: %w", err)
		}
		rec.State.LastHealthCheck = t
	}

	if disabledAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, disabledAt.String)
		if err != nil {
			return registry.Record{}, fmt.Errorf("parsing disabled_at: %w", err)
		}
		rec.State.Disabled = &fleet.DisableRecord{
			DisabledAt:    t,
			Reason:        disabledReason.String,
			Origin:        fleet.DisableOrigin(disableOrigin.String),
			CanAutoEnable: canAutoEnable != 0,
		}
	}

	return rec, nil
}

// nullableInt converts a nullable column into the override pointer form.
func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
