// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package registry maintains the live mapping from logical agent name to
// transport endpoint. It is the authoritative owner of registration state:
// the supervisor and the health prober observe it, they never mutate it
// directly. Backends are pluggable; single-node deployments run on the
// in-memory store, multi-node on Badger.
package registry

import (
	"errors"
	"fmt"
	"time"
)

// Registry operation errors.
var (
	// ErrNameTaken: the name is bound to a different live endpoint.
	ErrNameTaken = errors.New("name taken")

	// ErrNotFound: no entry for the name.
	ErrNotFound = errors.New("agent not found")

	// ErrUnreachable: the entry exists but its heartbeat is stale.
	ErrUnreachable = errors.New("agent unreachable")

	// ErrInvalidToken: the registration token matches no entry.
	ErrInvalidToken = errors.New("invalid registration token")
)

// Liveness is the computed reachability of an entry.
type Liveness string

const (
	LivenessAlive       Liveness = "alive"
	LivenessUnreachable Liveness = "unreachable"
)

// Endpoint is a {host, port} pair at which an agent accepts requests.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String formats the endpoint as host:port.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// HealthSnapshot is the prober state piggybacked on heartbeats.
type HealthSnapshot struct {
	State               string    `json:"state"`
	LastProbeAt         time.Time `json:"last_probe_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastLatencyMS       int64     `json:"last_latency_ms"`
}

// Entry is one registered agent. Stale entries are retained (marked
// Unreachable, not deleted) for forensic queries until the retention
// window lapses.
type Entry struct {
	Name          string         `json:"name"`
	Host          string         `json:"host"`
	Port          int            `json:"port"`
	HealthPort    int            `json:"health_port"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	RegisteredAt  time.Time      `json:"registered_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Version       string         `json:"version,omitempty"`
	Health        HealthSnapshot `json:"health,omitempty"`

	// Token authorizes deregistration and heartbeats. Never included in
	// resolve/list responses.
	Token string `json:"token,omitempty"`
}

// Endpoint returns the entry's request endpoint.
func (e Entry) Endpoint() Endpoint {
	return Endpoint{Host: e.Host, Port: e.Port}
}

// HasCapability reports whether the entry advertises the capability label.
func (e Entry) HasCapability(cap string) bool {
	for _, c := range e.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// sanitized strips the token for wire responses.
func (e Entry) sanitized() Entry {
	e.Token = ""
	return e
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Capability string   `json:"capability,omitempty"`
	Host       string   `json:"host,omitempty"`
	Liveness   Liveness `json:"liveness,omitempty"`
}
