// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes Prometheus metrics for the coordination engine.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus instruments behind a dedicated
// registry so tests never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	ProbesTotal       *prometheus.CounterVec
	TransitionsTotal  *prometheus.CounterVec
	AutoDisablesTotal prometheus.Counter
	RestartsTotal     prometheus.Counter
}

// NewMetrics builds the instrument set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpfleet",
			Name:      "probes_total",
			Help:      "Health probes completed, by outcome.",
		}, []string{"outcome"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpfleet",
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker transitions, by resulting state.",
		}, []string{"to"}),
		AutoDisablesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpfleet",
			Name:      "auto_disables_total",
			Help:      "Connections automatically disabled after exhausting failure cycles.",
		}),
		RestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpfleet",
			Name:      "coordinator_restarts_total",
			Help:      "Coordinator loop restarts after invariant violations or panics.",
		}),
	}

	reg.MustRegister(
		m.ProbesTotal,
		m.TransitionsTotal,
		m.AutoDisablesTotal,
		m.RestartsTotal,
	)

	return m
}

// BroadcasterStats is the subset of broadcaster state exported as gauges.
type BroadcasterStats struct {
	Subscribers   int
	QueueDepth    int
	DroppedEvents uint64
	QueueDrops    uint64
}

// ObserveBroadcaster registers gauges backed by the given stats function.
func (m *Metrics) ObserveBroadcaster(stats func() BroadcasterStats) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "mcpfleet",
			Name:      "observers",
			Help:      "Currently connected observers.",
		}, func() float64 { return float64(stats().Subscribers) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "mcpfleet",
			Name:      "event_queue_depth",
			Help:      "Events waiting in the broadcaster dispatch queue.",
		}, func() float64 { return float64(stats().QueueDepth) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "mcpfleet",
			Name:      "observer_drops_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		}, func() float64 { return float64(stats().DroppedEvents) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "mcpfleet",
			Name:      "event_queue_drops_total",
			Help:      "Events dropped because the dispatch queue was full.",
		}, func() float64 { return float64(stats().QueueDrops) }),
	)
}

// ObserveCacheSize registers a gauge backed by the serving cache length.
func (m *Metrics) ObserveCacheSize(size func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "mcpfleet",
		Name:      "cached_connections",
		Help:      "Connections currently held in the serving cache.",
	}, func() float64 { return float64(size()) }))
}

// ObserveCommandQueue registers a gauge backed by the coordinator's pending
// command count.
func (m *Metrics) ObserveCommandQueue(depth func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "mcpfleet",
		Name:      "command_queue_depth",
		Help:      "Commands waiting for the coordinator loop.",
	}, func() float64 { return float64(depth()) }))
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test scrapes.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
