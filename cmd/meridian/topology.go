// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomtom215/meridian/internal/topology"
)

func newTopologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Topology file operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a topology file without starting anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			doc, err := topology.LoadFile(args[0])
			if err != nil {
				return err
			}
			order, err := doc.Order()
			if err != nil {
				return err
			}

			fmt.Printf("topology ok: %d agents in %d groups\n", len(doc.Agents), len(doc.Groups))
			fmt.Println("launch order:")
			for i, spec := range order {
				req := ""
				if spec.Required {
					req = " (required)"
				}
				fmt.Printf("  %2d. %s [%s]%s\n", i+1, spec.Name, spec.Affinity(), req)
			}
			return nil
		},
	})
	return cmd
}
