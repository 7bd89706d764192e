// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where the runtime config file is searched, in
// order. The first file found wins.
var DefaultConfigPaths = []string{
	"meridian.yaml",
	"meridian.yml",
	"/etc/meridian/config.yaml",
	"/etc/meridian/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the runtime configuration with layered sources:
//  1. Defaults: built-in values
//  2. Config file: optional YAML
//  3. Environment variables: highest priority
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first existing config path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to config paths. The
// spec-recognized variables keep their historical names; everything else
// is skipped so unknown variables pass through to child agents untouched.
//
// Examples:
//   - VRAM_BUDGET_MB   -> vram.budget_mb
//   - PROBE_INTERVAL_S -> health.probe_interval (seconds suffix expanded)
//   - LOG_LEVEL        -> logging.level
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Recognized runtime variables
		"peer_host":         "network.peer_host",
		"node_role":         "network.node_role",
		"bind_host":         "network.bind_host",
		"nats_url":          "network.nats_url",
		"registry_endpoint": "network.nats_url", // the registry rides the fabric

		"nats_embedded":     "network.embedded_nats",
		"nats_store_dir":    "network.nats_store_dir",
		"registry_backend":  "registry.backend",
		"registry_path":     "registry.path",
		"vram_budget_mb":    "vram.budget_mb",
		"probe_interval_s":  "health.probe_interval",
		"start_grace_s":     "health.start_period_seconds",
		"shutdown_grace":    "supervisor.shutdown_grace",
		"restart_attempts":  "supervisor.restart_attempts",
		"fail_fast":         "supervisor.fail_fast",
		"model_idle_s":      "models.idle_timeout",
		"usage_log_path":    "models.usage_log_path",
		"preload_enabled":   "preload.enabled",
		"preload_top_k":     "preload.top_k",
		"queue_capacity":    "coordinator.queue_capacity",
		"dispatch_workers":  "coordinator.workers",
		"http_port":         "server.port",
		"http_host":         "server.host",
		"dashboard_token":   "server.token",
		"log_level":         "logging.level",
		"log_format":        "logging.format",
		"log_caller":        "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Unmapped keys are skipped: random environment variables must not
	// pollute the configuration.
	return ""
}

// Seconds-suffixed env vars arrive as bare integers; koanf unmarshals
// durations from strings like "30s". Normalize before unmarshal.
func init() {
	for _, name := range []string{"PROBE_INTERVAL_S", "MODEL_IDLE_S"} {
		if v := os.Getenv(name); v != "" && !strings.HasSuffix(v, "s") {
			os.Setenv(name, v+"s")
		}
	}
}
