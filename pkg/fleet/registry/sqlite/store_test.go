// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpfleet/mcpfleet/pkg/fleet"
	"github.com/mcpfleet/mcpfleet/pkg/fleet/registry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(context.Background(), filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func testConnection(name string) fleet.Connection {
	threshold := 3
	return fleet.Connection{
		Name:     name,
		Endpoint: "http://localhost:9000/mcp",
		Protocol: fleet.ProtocolStreamableHTTP,
		Enabled:  true,
		Timeout:  5 * time.Second,
		AuthRef:  "vault:mcp/" + name,
		Overrides: fleet.ThresholdOverrides{
			FailureThreshold: &threshold,
		},
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	conn := testConnection("github")
	require.NoError(t, store.Create(ctx, conn))

	rec, err := store.Get(ctx, "github")
	require.NoError(t, err)

	assert.Equal(t, conn, rec.Connection)
	assert.Equal(t, fleet.StatusUnknown, rec.State.Status)
	assert.Equal(t, fleet.CircuitClosed, rec.State.CircuitState)
	assert.Zero(t, rec.State.FailureCycleCount)
	assert.True(t, rec.State.LastHealthCheck.IsZero())
	assert.Nil(t, rec.State.Disabled)
}

func TestCreateDuplicateName(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testConnection("github")))
	err := store.Create(ctx, testConnection("github"))
	assert.ErrorIs(t, err, registry.ErrAlreadyExists)
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestListOrdering(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"zulu", "alpha", "mike"} {
		require.NoError(t, store.Create(ctx, testConnection(name)))
	}

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "alpha", records[0].Connection.Name)
	assert.Equal(t, "mike", records[1].Connection.Name)
	assert.Equal(t, "zulu", records[2].Connection.Name)
}

func TestUpdateStateRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testConnection("github")))

	checkedAt := time.Date(2025, 11, 3, 10, 30, 0, 0, time.UTC)
	st := registry.State{
		Status:              fleet.StatusCircuitOpen,
		CircuitState:        fleet.CircuitOpen,
		FailureCycleCount:   1,
		ConsecutiveFailures: 5,
		LastHealthCheck:     checkedAt,
	}
	require.NoError(t, store.UpdateState(ctx, "github", st))

	rec, err := store.Get(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, st, rec.State)
}

func TestUpdateStatePersistsDisableRecord(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testConnection("github")))

	disabledAt := time.Date(2025, 11, 3, 11, 0, 0, 0, time.UTC)
	st := registry.State{
		Status:            fleet.StatusDisabled,
		CircuitState:      fleet.CircuitOpen,
		FailureCycleCount: 3,
		Disabled: &fleet.DisableRecord{
			DisabledAt:    disabledAt,
			Reason:        "exceeded 3 failure cycles: connection refused",
			Origin:        fleet.DisableOriginAuto,
			CanAutoEnable: true,
		},
	}
	require.NoError(t, store.UpdateState(ctx, "github", st))

	rec, err := store.Get(ctx, "github")
	require.NoError(t, err)
	require.NotNil(t, rec.State.Disabled)
	assert.Equal(t, st.Disabled, rec.State.Disabled)

	// Clearing the record on re-enable must null the disable columns.
	st.Status = fleet.StatusUnknown
	st.CircuitState = fleet.CircuitClosed
	st.FailureCycleCount = 0
	st.Disabled = nil
	require.NoError(t, store.UpdateState(ctx, "github", st))

	rec, err = store.Get(ctx, "github")
	require.NoError(t, err)
	assert.Nil(t, rec.State.Disabled)
}

func TestUpdateStateNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	err := store.UpdateState(context.Background(), "missing", registry.State{
		Status:       fleet.StatusHealthy,
		CircuitState: fleet.CircuitClosed,
	})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testConnection("github")))
	require.NoError(t, store.Delete(ctx, "github"))

	_, err := store.Get(ctx, "github")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	assert.ErrorIs(t, store.Delete(ctx, "github"), registry.ErrNotFound)
}
