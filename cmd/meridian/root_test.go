// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tomtom215/meridian/internal/supervisor"
	"github.com/tomtom215/meridian/internal/topology"
)

func TestExitCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"usage", usageError{"bad flags"}, ExitUsage},
		{"cycle", fmt.Errorf("load: %w", topology.ErrCycle), ExitTopologyInvalid},
		{"invalid", fmt.Errorf("load: %w", topology.ErrInvalid), ExitTopologyInvalid},
		{"dep timeout", fmt.Errorf("start: %w", supervisor.ErrDependencyTimeout), ExitDepTimeout},
		{"required failed", fmt.Errorf("start: %w", supervisor.ErrRequiredAgentFailed), ExitRequiredFailed},
		{"other", errors.New("boom"), 1},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("%s: exitCode = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestResolveTopologyPath(t *testing.T) {
	t.Run("argument wins when env unset", func(t *testing.T) {
		t.Setenv("TOPOLOGY_PATH", "")
		path, err := resolveTopologyPath([]string{"topo.yaml"})
		if err != nil || path != "topo.yaml" {
			t.Errorf("path = %q, err = %v", path, err)
		}
	})

	t.Run("env used without argument", func(t *testing.T) {
		t.Setenv("TOPOLOGY_PATH", "/etc/meridian/topology.yaml")
		path, err := resolveTopologyPath(nil)
		if err != nil || path != "/etc/meridian/topology.yaml" {
			t.Errorf("path = %q, err = %v", path, err)
		}
	})

	t.Run("disagreement is a usage error", func(t *testing.T) {
		t.Setenv("TOPOLOGY_PATH", "/a.yaml")
		_, err := resolveTopologyPath([]string{"/b.yaml"})
		var usage usageError
		if !errors.As(err, &usage) {
			t.Errorf("expected usage error, got %v", err)
		}
	})

	t.Run("nothing given is a usage error", func(t *testing.T) {
		t.Setenv("TOPOLOGY_PATH", "")
		_, err := resolveTopologyPath(nil)
		var usage usageError
		if !errors.As(err, &usage) {
			t.Errorf("expected usage error, got %v", err)
		}
	})
}

// E2E-2 shape: validating a cyclic topology exits with code 3 and names
// both agents.
func TestTopologyValidateCycleExitCode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cyclic.yaml")
	content := `
core_services:
  - name: A
    executable: /bin/a
    port: 7000
    dependencies: [B]
  - name: B
    executable: /bin/b
    port: 7001
    dependencies: [A]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	root := newRootCmd()
	root.SetArgs([]string{"topology", "validate", path})
	err := root.Execute()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if got := exitCode(err); got != ExitTopologyInvalid {
		t.Errorf("exit code = %d, want %d", got, ExitTopologyInvalid)
	}
	for _, name := range []string{"A", "B"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q should name agent %s", err.Error(), name)
		}
	}
}
