// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package health probes agent liveness and readiness over the fabric,
// classifies failures against soft and hard thresholds, feeds the per-agent
// circuit breakers, and publishes snapshots for the observability hub.
package health

import (
	"context"
	"io"
	"time"

	"github.com/tomtom215/meridian/internal/transport"
)

// Topic carries HealthSnapshot publications.
const Topic = "meridian.health"

// HealthSubject is the probe subject for one agent. Every agent serves
// its health endpoint there; the numeric health_port in the registry is
// carried for operators, the fabric routes by name.
func HealthSubject(agent string) string {
	return "meridian.agent." + agent + ".health"
}

// Probe actions.
const (
	ActionPing = "ping"
	// ActionHealthCheck asks the agent to verify its own upstream
	// dependencies (deep probe) before reporting.
	ActionHealthCheck = "health_check"
)

// ProbeRequest is the wire request.
type ProbeRequest struct {
	Action string `json:"action"`
}

// Probe statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFailing  = "failing"
)

// ProbeResponse is the wire response.
type ProbeResponse struct {
	Status     string            `json:"status"`
	ReadySince int64             `json:"ready_since,omitempty"` // unix ms
	Deps       map[string]string `json:"deps,omitempty"`        // name -> ok|failing
	UptimeS    int64             `json:"uptime_s"`
}

// State is the prober's classification of an agent.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateFailed   State = "failed"
)

// Snapshot is one probe result, published on Topic.
type Snapshot struct {
	Agent               string            `json:"agent"`
	State               State             `json:"state"`
	Status              string            `json:"status,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastLatencyMS       int64             `json:"last_latency_ms"`
	ProbedAt            time.Time         `json:"probed_at"`
	Deps                map[string]string `json:"deps,omitempty"`
	Error               string            `json:"error,omitempty"`
}

// DepsFunc reports an agent's upstream dependency states for deep probes.
type DepsFunc func(ctx context.Context) map[string]string

// Responder answers health probes for this process. The supervisor runs
// one for itself; agent processes embed the same logic.
type Responder struct {
	closer    io.Closer
	startedAt time.Time
	readyAt   time.Time
	deps      DepsFunc
}

// NewResponder serves the health subject for name. deps may be nil.
func NewResponder(t transport.Transport, name string, deps DepsFunc) (*Responder, error) {
	r := &Responder{startedAt: time.Now(), readyAt: time.Now(), deps: deps}
	closer, err := t.Serve(HealthSubject(name), func(ctx context.Context, req transport.Envelope) (transport.Envelope, error) {
		var probe ProbeRequest
		if err := req.Decode(&probe); err != nil {
			return transport.Envelope{}, err
		}

		resp := ProbeResponse{
			Status:     StatusOK,
			ReadySince: r.readyAt.UnixMilli(),
			UptimeS:    int64(time.Since(r.startedAt).Seconds()),
		}
		if probe.Action == ActionHealthCheck && r.deps != nil {
			resp.Deps = r.deps(ctx)
			for _, state := range resp.Deps {
				if state != StatusOK {
					resp.Status = StatusDegraded
				}
			}
		}
		return req.Reply(name, "health_reply", resp)
	})
	if err != nil {
		return nil, err
	}
	r.closer = closer
	return r, nil
}

// Close stops answering probes.
func (r *Responder) Close() error {
	return r.closer.Close()
}
