// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.NodeRole != RolePrimary {
		t.Errorf("node role default = %q", cfg.Network.NodeRole)
	}
	if cfg.Health.ProbeInterval != 30*time.Second {
		t.Errorf("probe interval default = %v", cfg.Health.ProbeInterval)
	}
	if cfg.Supervisor.RestartAttempts != 5 {
		t.Errorf("restart attempts default = %d", cfg.Supervisor.RestartAttempts)
	}
	if cfg.Coordinator.QueueCapacity != 100 || cfg.Coordinator.Workers != 4 {
		t.Errorf("coordinator defaults = %+v", cfg.Coordinator)
	}
	if cfg.Models.IdleTimeout != 900*time.Second {
		t.Errorf("idle timeout default = %v", cfg.Models.IdleTimeout)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meridian.yaml")
	content := `
network:
  node_role: secondary
  embedded_nats: false
  nats_url: nats://192.168.1.10:4222
vram:
  budget_mb: 24000
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.NodeRole != RoleSecondary {
		t.Errorf("node role = %q", cfg.Network.NodeRole)
	}
	if cfg.VRAM.BudgetMB != 24000 {
		t.Errorf("vram budget = %d", cfg.VRAM.BudgetMB)
	}
	// Untouched values keep their defaults.
	if cfg.Server.Port != 3990 {
		t.Errorf("server port = %d", cfg.Server.Port)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meridian.yaml")
	if err := os.WriteFile(path, []byte("vram:\n  budget_mb: 1000\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("VRAM_BUDGET_MB", "4096")
	t.Setenv("PEER_HOST", "192.168.1.20")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.VRAM.BudgetMB != 4096 {
		t.Errorf("env should beat file: budget = %d", cfg.VRAM.BudgetMB)
	}
	if cfg.Network.PeerHost != "192.168.1.20" {
		t.Errorf("peer host = %q", cfg.Network.PeerHost)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestUnknownEnvVarsIgnored(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("SOME_AGENT_SPECIFIC_SETTING", "passthrough")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unknown env vars must not break loading: %v", err)
	}
	if cfg == nil {
		t.Fatal("nil config")
	}
}

func TestSecondaryWithEmbeddedNATSRejected(t *testing.T) {
	cfg := defaultConfig()
	cfg.Network.NodeRole = RoleSecondary
	cfg.Network.EmbeddedNATS = true

	if err := cfg.Validate(); err == nil {
		t.Error("secondary node with embedded broker should fail validation")
	}
}
