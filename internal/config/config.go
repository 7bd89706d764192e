// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package config loads the runtime configuration (not the topology — that
// is internal/topology's document) with layered precedence:
//
//	ENV > config file > defaults
//
// The topology file location itself comes from TOPOLOGY_PATH or the CLI's
// positional argument; runtime config never embeds agent specs.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Node roles.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

// NetworkConfig addresses the fabric.
type NetworkConfig struct {
	// NodeRole identifies this supervisor: primary or secondary.
	NodeRole string `koanf:"node_role" validate:"oneof=primary secondary"`

	// BindHost is the local bind address for agent listeners.
	BindHost string `koanf:"bind_host"`

	// NATSURL is the broker address. Ignored when EmbeddedNATS is set.
	NATSURL string `koanf:"nats_url"`

	// EmbeddedNATS runs the broker in-process (primary node only).
	EmbeddedNATS bool `koanf:"embedded_nats"`

	// NATSStoreDir is the JetStream store directory for the embedded broker.
	NATSStoreDir string `koanf:"nats_store_dir"`

	// PeerHost is the other node's address; empty disables cross-machine
	// routing and peer aggregation.
	PeerHost string `koanf:"peer_host"`
}

// RegistryConfig selects and tunes the registry backend.
type RegistryConfig struct {
	Backend        string        `koanf:"backend" validate:"oneof=memory badger"`
	Path           string        `koanf:"path"`
	HeartbeatTTL   time.Duration `koanf:"heartbeat_ttl"`
	RetainDuration time.Duration `koanf:"retain_duration"`
}

// HealthConfig tunes the prober.
type HealthConfig struct {
	ProbeInterval      time.Duration `koanf:"probe_interval"`
	ProbeTimeout       time.Duration `koanf:"probe_timeout"`
	SoftThreshold      int           `koanf:"soft_threshold"`
	HardThreshold      int           `koanf:"hard_threshold"`
	StartPeriodSeconds int           `koanf:"start_period_seconds"`
}

// StartPeriod returns the launch grace window.
func (h HealthConfig) StartPeriod() time.Duration {
	return time.Duration(h.StartPeriodSeconds) * time.Second
}

// SupervisorConfig tunes process lifecycle.
type SupervisorConfig struct {
	ShutdownGrace   time.Duration `koanf:"shutdown_grace"`
	RestartInitial  time.Duration `koanf:"restart_initial"`
	RestartCap      time.Duration `koanf:"restart_cap"`
	RestartAttempts int           `koanf:"restart_attempts"`
	FailFast        bool          `koanf:"fail_fast"`
}

// VRAMConfig bounds accelerator memory.
type VRAMConfig struct {
	BudgetMB int `koanf:"budget_mb" validate:"min=0"`
}

// ModelSpecConfig declares one servable model in the runtime config.
type ModelSpecConfig struct {
	ModelID         string         `koanf:"model_id" validate:"required"`
	ServingMethod   string         `koanf:"serving_method" validate:"oneof=inproc_gguf subprocess_ollama http_api remote_rpc"`
	EstimatedVRAMMB int            `koanf:"estimated_vram_mb" validate:"min=0"`
	Priority        int            `koanf:"priority"`
	Params          map[string]any `koanf:"params"`
	Command         []string       `koanf:"command"`
	URL             string         `koanf:"url"`
}

// ModelsConfig tunes the model manager.
type ModelsConfig struct {
	IdleTimeout  time.Duration     `koanf:"idle_timeout"`
	UnloadGrace  time.Duration     `koanf:"unload_grace"`
	LoadTimeout  time.Duration     `koanf:"load_timeout"`
	UsageLogPath string            `koanf:"usage_log_path"`
	Specs        []ModelSpecConfig `koanf:"specs" validate:"dive"`
}

// PreloadConfig tunes the predictive preloader. The scoring weights are
// configurable because they are heuristics, not measured constants.
type PreloadConfig struct {
	Enabled         bool          `koanf:"enabled"`
	TopK            int           `koanf:"top_k"`
	Window          time.Duration `koanf:"window"`
	Interval        time.Duration `koanf:"interval"`
	FrequencyWeight float64       `koanf:"frequency_weight"`
	RecencyWeight   float64       `koanf:"recency_weight"`
}

// CoordinatorConfig tunes the request coordinator.
type CoordinatorConfig struct {
	QueueCapacity int `koanf:"queue_capacity" validate:"min=1"`
	Workers       int `koanf:"workers" validate:"min=1"`
}

// ServerConfig is the HTTP/dashboard surface.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"min=1,max=65535"`

	// Token, when set, is required in X-Meridian-Token. Advisory: the
	// deployment assumption is a private LAN.
	Token string `koanf:"token"`
}

// LoggingConfig mirrors internal/logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Config is the root runtime configuration.
type Config struct {
	Network     NetworkConfig     `koanf:"network"`
	Registry    RegistryConfig    `koanf:"registry"`
	Health      HealthConfig      `koanf:"health"`
	Supervisor  SupervisorConfig  `koanf:"supervisor"`
	VRAM        VRAMConfig        `koanf:"vram"`
	Models      ModelsConfig      `koanf:"models"`
	Preload     PreloadConfig     `koanf:"preload"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// defaultConfig returns a Config with all defaults applied. These are the
// values the rest of the runtime assumes; the file and environment override them.
func defaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			NodeRole:     RolePrimary,
			BindHost:     "0.0.0.0",
			NATSURL:      "nats://127.0.0.1:4222",
			EmbeddedNATS: true,
			NATSStoreDir: "/data/meridian/jetstream",
		},
		Registry: RegistryConfig{
			Backend:        "memory",
			Path:           "/data/meridian/registry",
			HeartbeatTTL:   90 * time.Second,
			RetainDuration: time.Hour,
		},
		Health: HealthConfig{
			ProbeInterval:      30 * time.Second,
			ProbeTimeout:       5 * time.Second,
			SoftThreshold:      3,
			HardThreshold:      6,
			StartPeriodSeconds: 300,
		},
		Supervisor: SupervisorConfig{
			ShutdownGrace:   20 * time.Second,
			RestartInitial:  5 * time.Second,
			RestartCap:      5 * time.Minute,
			RestartAttempts: 5,
			FailFast:        false,
		},
		VRAM: VRAMConfig{
			BudgetMB: 8192,
		},
		Models: ModelsConfig{
			IdleTimeout:  900 * time.Second,
			UnloadGrace:  10 * time.Second,
			LoadTimeout:  120 * time.Second,
			UsageLogPath: "/data/meridian/model-usage",
		},
		Preload: PreloadConfig{
			Enabled:         true,
			TopK:            3,
			Window:          time.Hour,
			Interval:        time.Minute,
			FrequencyWeight: 1.0,
			RecencyWeight:   1.0,
		},
		Coordinator: CoordinatorConfig{
			QueueCapacity: 100,
			Workers:       4,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3990,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var validate = validator.New()

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if c.Network.NodeRole == RoleSecondary && c.Network.EmbeddedNATS {
		return fmt.Errorf("config validation failed: the secondary node must connect to the primary's broker, not embed its own")
	}
	if c.Registry.Backend == "badger" && c.Registry.Path == "" {
		return fmt.Errorf("config validation failed: registry.path is required for the badger backend")
	}
	return nil
}
