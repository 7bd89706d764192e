// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomtom215/meridian/internal/supervisor"
	"github.com/tomtom215/meridian/internal/topology"
)

// Exit codes.
const (
	ExitOK              = 0
	ExitUsage           = 2
	ExitTopologyInvalid = 3
	ExitDepTimeout      = 4
	ExitRequiredFailed  = 5
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "meridian",
		Short:         "Distributed multi-agent runtime supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newStartCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newRestartCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newTopologyCmd())
	return root
}

// Execute runs the CLI and maps failures onto the documented exit codes.
func Execute() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCode(err)
	}
	return ExitOK
}

// usageError marks operator mistakes (exit 2).
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func exitCode(err error) int {
	var usage usageError
	switch {
	case errors.As(err, &usage):
		return ExitUsage
	case errors.Is(err, topology.ErrCycle), errors.Is(err, topology.ErrInvalid):
		return ExitTopologyInvalid
	case errors.Is(err, supervisor.ErrDependencyTimeout):
		return ExitDepTimeout
	case errors.Is(err, supervisor.ErrRequiredAgentFailed):
		return ExitRequiredFailed
	default:
		return 1
	}
}

// resolveTopologyPath applies the single-canonical-topology rule: the
// positional argument and TOPOLOGY_PATH may not disagree.
func resolveTopologyPath(args []string) (string, error) {
	envPath := os.Getenv("TOPOLOGY_PATH")
	switch {
	case len(args) == 1 && envPath != "" && args[0] != envPath:
		return "", usageError{fmt.Sprintf("topology given twice and differing: %s (argument) vs %s (TOPOLOGY_PATH)", args[0], envPath)}
	case len(args) == 1:
		return args[0], nil
	case envPath != "":
		return envPath, nil
	default:
		return "", usageError{"no topology: pass a path or set TOPOLOGY_PATH"}
	}
}
