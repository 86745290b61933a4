// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpfleet/mcpfleet/pkg/fleet"
)

func TestCache_PutGetDelete(t *testing.T) {
	t.Parallel()

	c := New()
	_, ok := c.Get("github")
	assert.False(t, ok)

	c.Put(Entry{Name: "github", Status: fleet.StatusHealthy, CircuitState: fleet.CircuitClosed})

	e, ok := c.Get("github")
	require.True(t, ok)
	assert.Equal(t, fleet.StatusHealthy, e.Status)
	assert.Equal(t, 1, c.Len())

	c.Delete("github")
	_, ok = c.Get("github")
	assert.False(t, ok)

	// Deleting a missing entry is a no-op.
	c.Delete("github")
	assert.Equal(t, 0, c.Len())
}

func TestCache_ReadersSeeLatestWrite(t *testing.T) {
	t.Parallel()

	c := New()
	c.Put(Entry{Name: "github", Status: fleet.StatusUnknown})
	c.Put(Entry{Name: "github", Status: fleet.StatusHealthy})
	c.Put(Entry{Name: "github", Status: fleet.StatusCircuitOpen, CircuitState: fleet.CircuitOpen})

	e, ok := c.Get("github")
	require.True(t, ok)
	assert.Equal(t, fleet.StatusCircuitOpen, e.Status)
	assert.Equal(t, fleet.CircuitOpen, e.CircuitState)
}

func TestCache_SnapshotIsStable(t *testing.T) {
	t.Parallel()

	c := New()
	c.Put(Entry{Name: "github", Status: fleet.StatusHealthy})

	snap := c.All()
	c.Put(Entry{Name: "github", Status: fleet.StatusUnhealthy})
	c.Put(Entry{Name: "jira", Status: fleet.StatusHealthy})

	// The snapshot taken before the writes is unaffected by them.
	assert.Len(t, snap, 1)
	assert.Equal(t, fleet.StatusHealthy, snap["github"].Status)
	assert.Len(t, c.All(), 2)
}

func TestCache_ConcurrentReadersWhileWriting(t *testing.T) {
	t.Parallel()

	c := New()
	for i := 0; i < 10; i++ {
		c.Put(Entry{Name: fmt.Sprintf("conn-%d", i), Status: fleet.StatusUnknown})
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Readers hammer lookups while the single writer churns the snapshot.
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					for j := 0; j < 10; j++ {
						c.Get(fmt.Sprintf("conn-%d", j))
					}
					c.All()
				}
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		name := fmt.Sprintf("conn-%d", i%10)
		c.Put(Entry{Name: name, Status: fleet.StatusHealthy, FailureCycleCount: i})
	}
	close(stop)
	wg.Wait()

	e, ok := c.Get("conn-9")
	require.True(t, ok)
	assert.Equal(t, 999, e.FailureCycleCount)
}

func TestCache_Replace(t *testing.T) {
	t.Parallel()

	c := New()
	c.Put(Entry{Name: "stale"})

	c.Replace(map[string]Entry{
		"github": {Name: "github", Status: fleet.StatusUnknown},
		"jira":   {Name: "jira", Status: fleet.StatusUnknown},
	})

	_, ok := c.Get("stale")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}
