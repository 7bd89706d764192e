// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/tomtom215/meridian/internal/supervisor"
	"github.com/tomtom215/meridian/internal/transport"
)

// controlCall connects to the running supervisor's fabric and issues one
// control request.
func controlCall(body map[string]string, out any) error {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://127.0.0.1:4222"
	}

	tr, err := transport.NewNATS(transport.DefaultNATSConfig(url))
	if err != nil {
		return fmt.Errorf("connect to runtime: %w", err)
	}
	defer tr.Close()

	env, err := transport.NewEnvelope("meridian-cli", "control", body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reply, err := tr.Request(ctx, supervisor.ControlSubject, env)
	if err != nil {
		return fmt.Errorf("is the supervisor running? %w", err)
	}

	var resp struct {
		Status string          `json:"status"`
		Error  string          `json:"error,omitempty"`
		Data   json.RawMessage `json:"data,omitempty"`
	}
	if err := reply.Decode(&resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("%s", resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		return json.Unmarshal(resp.Data, out)
	}
	return nil
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running supervisor and all agents",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := controlCall(map[string]string{"op": "stop"}, nil); err != nil {
				return err
			}
			fmt.Println("shutdown requested")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show runtime state of every agent",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			var agents []supervisor.AgentStatus
			if err := controlCall(map[string]string{"op": "status"}, &agents); err != nil {
				return err
			}

			fmt.Printf("%-24s %-10s %-8s %-8s %s\n", "AGENT", "PHASE", "PID", "RESTARTS", "LAST FAILURE")
			for _, a := range agents {
				pid := "-"
				if a.PID != 0 {
					pid = fmt.Sprint(a.PID)
				}
				fmt.Printf("%-24s %-10s %-8s %-8d %s\n", a.Name, a.Phase, pid, a.RestartCount, a.LastFailureReason)
			}
			return nil
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <agent>",
		Short: "Stop and relaunch one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := controlCall(map[string]string{"op": "restart", "agent": args[0]}, nil); err != nil {
				return err
			}
			fmt.Printf("agent %s restarted\n", args[0])
			return nil
		},
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <agent>",
		Short: "Show one agent's spec, runtime state and deep health",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var report supervisor.InspectReport
			if err := controlCall(map[string]string{"op": "inspect", "agent": args[0]}, &report); err != nil {
				return err
			}
			pretty, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(pretty))
			return nil
		},
	}
}
