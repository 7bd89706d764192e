// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package hub

import (
	"sort"
	"sync"
	"time"
)

// maxLatencySamples bounds the per-agent latency reservoir.
const maxLatencySamples = 512

// agentWindow accumulates one agent's rolling counters.
type agentWindow struct {
	requests    int
	errors      int
	latenciesMS []float64
	healthState string
	windowStart time.Time
}

// AgentStats is the published per-agent aggregate.
type AgentStats struct {
	Agent       string  `json:"agent"`
	RequestRate float64 `json:"request_rate"` // per second over the window
	ErrorRate   float64 `json:"error_rate"`   // fraction of requests
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	HealthState string  `json:"health_state,omitempty"`
}

// statsBook tracks rolling windows for every agent.
type statsBook struct {
	mu      sync.Mutex
	agents  map[string]*agentWindow
	window  time.Duration
	now     func() time.Time
}

func newStatsBook(window time.Duration) *statsBook {
	return &statsBook{
		agents: make(map[string]*agentWindow),
		window: window,
		now:    time.Now,
	}
}

func (b *statsBook) get(agent string) *agentWindow {
	w, ok := b.agents[agent]
	if !ok || b.now().Sub(w.windowStart) > b.window {
		prevHealth := ""
		if ok {
			prevHealth = w.healthState
		}
		w = &agentWindow{windowStart: b.now(), healthState: prevHealth}
		b.agents[agent] = w
	}
	return w
}

// observeRequest records one request outcome with its latency.
func (b *statsBook) observeRequest(agent string, latencyMS float64, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.get(agent)
	w.requests++
	if failed {
		w.errors++
	}
	if len(w.latenciesMS) < maxLatencySamples {
		w.latenciesMS = append(w.latenciesMS, latencyMS)
	}
}

// observeHealth records the latest health classification.
func (b *statsBook) observeHealth(agent, state string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.get(agent).healthState = state
}

// snapshot computes the published aggregates.
func (b *statsBook) snapshot() []AgentStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]AgentStats, 0, len(b.agents))
	for agent, w := range b.agents {
		elapsed := b.now().Sub(w.windowStart).Seconds()
		if elapsed <= 0 {
			elapsed = 1
		}
		stats := AgentStats{
			Agent:       agent,
			RequestRate: float64(w.requests) / elapsed,
			HealthState: w.healthState,
		}
		if w.requests > 0 {
			stats.ErrorRate = float64(w.errors) / float64(w.requests)
		}
		stats.P50MS = percentile(w.latenciesMS, 0.50)
		stats.P95MS = percentile(w.latenciesMS, 0.95)
		out = append(out, stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// healthHistogram counts agents per health state.
func (b *statsBook) healthHistogram() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int)
	for _, w := range b.agents {
		if w.healthState != "" {
			out[w.healthState]++
		}
	}
	return out
}

// percentile computes the p-quantile of samples (nearest-rank).
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
