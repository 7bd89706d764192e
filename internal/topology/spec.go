// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package topology parses and validates the declarative agent topology: the
// set of AgentSpec records, grouped by subsystem, plus the global sections
// the supervisor needs to launch them. The package owns DAG resolution and
// the deterministic launch order; process lifecycle lives in
// internal/supervisor.
package topology

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Host affinity values.
const (
	AffinityPrimary   = "primary"
	AffinitySecondary = "secondary"
	AffinityAny       = "any"
)

// ErrCycle is wrapped by validation failures caused by a dependency cycle.
// The error message names every agent on the cycle.
var ErrCycle = errors.New("topology cycle")

// ErrInvalid is wrapped by all other validation failures.
var ErrInvalid = errors.New("topology invalid")

// ResourceHints carries accelerator requirements to the model manager and
// scheduler.
type ResourceHints struct {
	GPURequired bool `koanf:"gpu_required" json:"gpu_required,omitempty"`
	EstVRAMMB   int  `koanf:"est_vram_mb" json:"est_vram_mb,omitempty"`
}

// AgentSpec is one declarative agent record.
type AgentSpec struct {
	Name            string            `koanf:"name" json:"name" validate:"required"`
	Executable      string            `koanf:"executable" json:"executable" validate:"required"`
	Args            []string          `koanf:"args" json:"args,omitempty"`
	HostAffinity    string            `koanf:"host_affinity" json:"host_affinity,omitempty" validate:"omitempty,oneof=primary secondary any"`
	Port            int               `koanf:"port" json:"port" validate:"required,min=1,max=65535"`
	HealthPort      int               `koanf:"health_port" json:"health_port,omitempty" validate:"omitempty,min=1,max=65535"`
	Dependencies    []string          `koanf:"dependencies" json:"dependencies,omitempty"`
	Required        bool              `koanf:"required" json:"required,omitempty"`
	StartupPriority int               `koanf:"startup_priority" json:"startup_priority,omitempty"`
	Params          map[string]any    `koanf:"params" json:"params,omitempty"`
	Env             map[string]string `koanf:"env" json:"env,omitempty"`
	ResourceHints   ResourceHints     `koanf:"resource_hints" json:"resource_hints,omitempty"`

	// Group is the top-level section the agent was declared under.
	Group string `koanf:"-" json:"group,omitempty"`
}

// EffectiveHealthPort applies the port+1000 default.
func (a AgentSpec) EffectiveHealthPort() int {
	if a.HealthPort != 0 {
		return a.HealthPort
	}
	return a.Port + 1000
}

// Affinity returns the normalized host affinity (default: any).
func (a AgentSpec) Affinity() string {
	if a.HostAffinity == "" {
		return AffinityAny
	}
	return a.HostAffinity
}

// RunsOn reports whether a supervisor on the given node launches the agent.
// Affinity `any` matches every node; the registry's first-writer-wins rule
// resolves the duplicate claim.
func (a AgentSpec) RunsOn(node string) bool {
	aff := a.Affinity()
	return aff == AffinityAny || aff == node
}

// ResourceLimits is the soft global resource section.
type ResourceLimits struct {
	CPUPercent int `koanf:"cpu_percent" json:"cpu_percent,omitempty"`
	RAMMB      int `koanf:"ram_mb" json:"ram_mb,omitempty"`
	Threads    int `koanf:"threads" json:"threads,omitempty"`
}

// HealthChecks is the global probe policy section.
type HealthChecks struct {
	IntervalS          int `koanf:"interval_s" json:"interval_s,omitempty"`
	TimeoutS           int `koanf:"timeout_s" json:"timeout_s,omitempty"`
	Retries            int `koanf:"retries" json:"retries,omitempty"`
	StartPeriodSeconds int `koanf:"start_period_seconds" json:"start_period_seconds,omitempty"`
}

// Interval returns the probe interval with the 30s default applied.
func (h HealthChecks) Interval() time.Duration {
	if h.IntervalS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(h.IntervalS) * time.Second
}

// StartPeriod returns the grace window with the 300s default applied.
func (h HealthChecks) StartPeriod() time.Duration {
	if h.StartPeriodSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(h.StartPeriodSeconds) * time.Second
}

// Network is the global addressing section.
type Network struct {
	BindHost string `koanf:"bind_host" json:"bind_host,omitempty"`
	PeerHost string `koanf:"peer_host" json:"peer_host,omitempty"`
}

// Document is a parsed topology file.
type Document struct {
	Environment    map[string]string
	ResourceLimits ResourceLimits
	HealthChecks   HealthChecks
	Network        Network

	// Groups lists the agent sections in sorted key order.
	Groups []string

	// Agents is the flattened spec list: groups in sorted key order, agents
	// within a group in declaration order.
	Agents []AgentSpec

	// Passthrough holds unrecognized non-group top-level sections,
	// preserved verbatim for forward compatibility.
	Passthrough map[string]any
}

// Agent returns the spec by name.
func (d *Document) Agent(name string) (AgentSpec, bool) {
	for _, a := range d.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// invalidf builds an ErrInvalid-wrapped failure.
func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// cycleError builds an ErrCycle-wrapped failure naming the members.
func cycleError(names []string) error {
	return fmt.Errorf("%w: %s", ErrCycle, strings.Join(names, ", "))
}
