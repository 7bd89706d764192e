// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package metrics defines the Prometheus instrumentation for the runtime:
// transport traffic, registry churn, circuit breaker transitions, VRAM
// accounting, model lifecycle, request coordination, and supervisor events.
// Everything is registered through promauto and exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport
	TransportRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_transport_request_duration_seconds",
			Help:    "Duration of request/reply exchanges in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	TransportPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_transport_publishes_total",
			Help: "Total messages published per topic",
		},
		[]string{"topic"},
	)

	TransportProtocolErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_transport_protocol_errors_total",
			Help: "Total malformed messages dropped",
		},
	)

	// Error bus
	ErrorBusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_errorbus_records_total",
			Help: "Total error records published by severity",
		},
		[]string{"severity"},
	)

	ErrorBusDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_errorbus_dropped_total",
			Help: "Total error records shed under overload",
		},
	)

	// Circuit breakers
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_breaker_transitions_total",
			Help: "Circuit breaker state transitions per endpoint",
		},
		[]string{"endpoint", "to"},
	)

	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_breaker_rejections_total",
			Help: "Requests rejected while the circuit was open",
		},
		[]string{"endpoint"},
	)

	// Registry
	RegistryEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_registry_entries",
			Help: "Registered agents by liveness state",
		},
		[]string{"state"},
	)

	RegistryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_registry_operations_total",
			Help: "Registry operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	// Health prober
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_probe_duration_seconds",
			Help:    "Health probe round-trip duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"agent"},
	)

	ProbeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_probe_failures_total",
			Help: "Health probe failures per agent",
		},
		[]string{"agent"},
	)

	// Supervisor
	AgentState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_agent_state",
			Help: "Agent runtime phase (1 = current phase)",
		},
		[]string{"agent", "phase"},
	)

	AgentRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_agent_restarts_total",
			Help: "Agent restart attempts",
		},
		[]string{"agent"},
	)

	// VRAM accountant
	VRAMBudgetMB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_vram_budget_mb",
			Help: "Configured VRAM budget in MB",
		},
	)

	VRAMReservedMB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_vram_reserved_mb",
			Help: "Total VRAM currently reserved in MB",
		},
	)

	VRAMEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_vram_evictions_total",
			Help: "Models evicted to free VRAM",
		},
	)

	// Model manager
	ModelState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_model_state",
			Help: "Model lifecycle state (1 = current state)",
		},
		[]string{"model", "state"},
	)

	ModelLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_model_load_duration_seconds",
			Help:    "Model load duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"model", "outcome"},
	)

	ModelInferences = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_model_inferences_total",
			Help: "Inference calls per model and outcome",
		},
		[]string{"model", "outcome"},
	)

	ModelPendingLoads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_model_pending_loads",
			Help: "Length of the pending load queue",
		},
	)

	ModelPreloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_model_preloads_total",
			Help: "Predictive preloads issued",
		},
	)

	// Request coordinator
	CoordinatorQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_coordinator_queue_depth",
			Help: "Requests waiting in the priority queue",
		},
	)

	CoordinatorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_coordinator_requests_total",
			Help: "Coordinator requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	CoordinatorOverloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_coordinator_overloads_total",
			Help: "Submissions rejected because the queue was full",
		},
	)

	CoordinatorFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_coordinator_fallbacks_total",
			Help: "Dispatches redirected to an alternate capability holder",
		},
	)

	// Cross-machine router
	RouterForwards = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_router_forwards_total",
			Help: "Requests forwarded to the peer node by outcome",
		},
		[]string{"outcome"},
	)
)
