// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAppearInScrape(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.ProbesTotal.WithLabelValues("success").Inc()
	m.ProbesTotal.WithLabelValues("failure").Add(3)
	m.TransitionsTotal.WithLabelValues("open").Inc()
	m.AutoDisablesTotal.Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProbesTotal.WithLabelValues("success")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ProbesTotal.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("open")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AutoDisablesTotal))
}

func TestGaugeFuncsTrackSources(t *testing.T) {
	t.Parallel()

	m := NewMetrics()

	stats := BroadcasterStats{Subscribers: 2, QueueDepth: 5, DroppedEvents: 7}
	m.ObserveBroadcaster(func() BroadcasterStats { return stats })
	m.ObserveCacheSize(func() int { return 12 })
	m.ObserveCommandQueue(func() int { return 3 })

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, fam := range families {
		if len(fam.GetMetric()) == 1 && fam.GetMetric()[0].GetLabel() == nil {
			mm := fam.GetMetric()[0]
			switch {
			case mm.GetGauge() != nil:
				values[fam.GetName()] = mm.GetGauge().GetValue()
			case mm.GetCounter() != nil:
				values[fam.GetName()] = mm.GetCounter().GetValue()
			}
		}
	}

	assert.Equal(t, float64(2), values["mcpfleet_observers"])
	assert.Equal(t, float64(5), values["mcpfleet_event_queue_depth"])
	assert.Equal(t, float64(7), values["mcpfleet_observer_drops_total"])
	assert.Equal(t, float64(12), values["mcpfleet_cached_connections"])
	assert.Equal(t, float64(3), values["mcpfleet_command_queue_depth"])
}

func TestHandlerServesScrape(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.ProbesTotal.WithLabelValues("success").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "mcpfleet_probes_total")
}
