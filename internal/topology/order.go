// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package topology

import "sort"

// Order computes the launch order: Kahn topological levels, tie-broken
// within a level by startup_priority ascending, then name ascending. The
// result is fully deterministic for a given document.
//
// A residue after Kahn terminates is a cycle; the error names its members.
func (d *Document) Order() ([]AgentSpec, error) {
	index := make(map[string]int, len(d.Agents))
	for i, a := range d.Agents {
		index[a.Name] = i
	}

	indegree := make([]int, len(d.Agents))
	dependents := make([][]int, len(d.Agents))
	for i, a := range d.Agents {
		indegree[i] = len(a.Dependencies)
		for _, dep := range a.Dependencies {
			j := index[dep]
			dependents[j] = append(dependents[j], i)
		}
	}

	// frontier holds the current level's indices.
	var frontier []int
	for i, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, i)
		}
	}

	out := make([]AgentSpec, 0, len(d.Agents))
	placed := 0
	for len(frontier) > 0 {
		sort.Slice(frontier, func(x, y int) bool {
			a, b := d.Agents[frontier[x]], d.Agents[frontier[y]]
			if a.StartupPriority != b.StartupPriority {
				return a.StartupPriority < b.StartupPriority
			}
			return a.Name < b.Name
		})

		var next []int
		for _, i := range frontier {
			out = append(out, d.Agents[i])
			placed++
			for _, j := range dependents[i] {
				indegree[j]--
				if indegree[j] == 0 {
					next = append(next, j)
				}
			}
		}
		frontier = next
	}

	if placed != len(d.Agents) {
		var cycle []string
		for i, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, d.Agents[i].Name)
			}
		}
		sort.Strings(cycle)
		return nil, cycleError(cycle)
	}
	return out, nil
}

// ReverseOrder is the shutdown order: exact reverse of the launch order.
func (d *Document) ReverseOrder() ([]AgentSpec, error) {
	order, err := d.Order()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}
