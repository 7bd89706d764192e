// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package topology

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/meridian/internal/logging"
)

var validate = validator.New()

// Validate checks the whole document: per-spec field constraints, name
// uniqueness, dependency resolution, affinity consistency, and acyclicity.
// Validation accumulates field-level problems so a broken topology is
// reported in one pass; the cycle check runs last and fails alone because
// ordering results are meaningless on a broken graph.
func (d *Document) Validate() error {
	var problems []string

	seen := make(map[string]bool, len(d.Agents))
	for _, a := range d.Agents {
		if err := validate.Struct(a); err != nil {
			problems = append(problems, fmt.Sprintf("agent %q: %v", a.Name, err))
			continue
		}
		if seen[a.Name] {
			problems = append(problems, fmt.Sprintf("duplicate agent name %q", a.Name))
		}
		seen[a.Name] = true
	}

	for _, a := range d.Agents {
		for _, dep := range a.Dependencies {
			if !seen[dep] {
				problems = append(problems, fmt.Sprintf("agent %q depends on unknown agent %q", a.Name, dep))
			}
			if dep == a.Name {
				problems = append(problems, fmt.Sprintf("agent %q depends on itself", a.Name))
			}
		}
	}

	// An agent pinned to one host cannot depend on readiness it can never
	// observe locally faster than the fabric provides; cross-host
	// dependencies are legal, but conflicting pins on the same port and
	// host are not.
	type binding struct {
		host string
		port int
	}
	ports := make(map[binding]string)
	for _, a := range d.Agents {
		if a.Affinity() == AffinityAny {
			continue
		}
		b := binding{host: a.Affinity(), port: a.Port}
		if other, ok := ports[b]; ok {
			problems = append(problems, fmt.Sprintf("agents %q and %q both bind %s:%d", other, a.Name, b.host, b.port))
		}
		ports[b] = a.Name
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return invalidf("%s", strings.Join(problems, "; "))
	}

	// A non-required dependency of a required agent is effectively
	// required: its failure stalls the dependent forever. Promote and warn.
	d.promoteEffectiveRequired()

	if _, err := d.Order(); err != nil {
		return err
	}
	return nil
}

// promoteEffectiveRequired marks every transitive dependency of a required
// agent as required, logging each promotion.
func (d *Document) promoteEffectiveRequired() {
	index := make(map[string]int, len(d.Agents))
	for i, a := range d.Agents {
		index[a.Name] = i
	}

	var mark func(name string)
	mark = func(name string) {
		i, ok := index[name]
		if !ok {
			return
		}
		for _, dep := range d.Agents[i].Dependencies {
			j, ok := index[dep]
			if !ok || d.Agents[j].Required {
				continue
			}
			logging.Warn().Str("agent", dep).Str("dependent", name).
				Msg("optional agent promoted to required: a required agent depends on it")
			d.Agents[j].Required = true
			mark(dep)
		}
	}

	for _, a := range d.Agents {
		if a.Required {
			mark(a.Name)
		}
	}
}
