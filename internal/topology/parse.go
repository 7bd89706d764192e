// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package topology

import (
	"fmt"
	"os"
	"sort"

	kyaml "github.com/knadh/koanf/parsers/yaml"
)

// Reserved top-level sections; every other top-level key is an agent group.
var reservedSections = map[string]bool{
	"environment":     true,
	"resource_limits": true,
	"health_checks":   true,
	"network":         true,
}

// allowedAgentFields is the strict AgentSpec schema. Unknown per-agent
// fields are rejected; unknown top-level groups are accepted.
var allowedAgentFields = map[string]bool{
	"name":             true,
	"executable":       true,
	"args":             true,
	"host_affinity":    true,
	"port":             true,
	"health_port":      true,
	"dependencies":     true,
	"required":         true,
	"startup_priority": true,
	"params":           true,
	"env":              true,
	"resource_hints":   true,
}

// LoadFile parses and validates a topology file. There is exactly one
// canonical topology per deployment; this function never searches paths or
// merges documents.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, invalidf("read %s: %v", path, err)
	}
	return Parse(data)
}

// Parse parses and validates a topology document.
func Parse(data []byte) (*Document, error) {
	raw, err := kyaml.Parser().Unmarshal(data)
	if err != nil {
		return nil, invalidf("parse yaml: %v", err)
	}

	doc := &Document{Passthrough: map[string]any{}}

	// Deterministic section order: sort keys, then preserve the sorted
	// order for groups. YAML maps lose declaration order through the
	// parser, so sorted order is the stable choice.
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := raw[key]
		switch key {
		case "environment":
			env, err := toStringMap(value)
			if err != nil {
				return nil, invalidf("environment: %v", err)
			}
			doc.Environment = env
		case "resource_limits":
			if err := decodeSection(value, &doc.ResourceLimits); err != nil {
				return nil, invalidf("resource_limits: %v", err)
			}
		case "health_checks":
			if err := decodeSection(value, &doc.HealthChecks); err != nil {
				return nil, invalidf("health_checks: %v", err)
			}
		case "network":
			if err := decodeSection(value, &doc.Network); err != nil {
				return nil, invalidf("network: %v", err)
			}
		default:
			list, ok := value.([]any)
			if !ok {
				// Not an agent list: preserved and passed through.
				doc.Passthrough[key] = value
				continue
			}
			doc.Groups = append(doc.Groups, key)
			for i, item := range list {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, invalidf("group %s entry %d: not a mapping", key, i)
				}
				spec, err := decodeAgent(m)
				if err != nil {
					return nil, invalidf("group %s entry %d: %v", key, i, err)
				}
				spec.Group = key
				doc.Agents = append(doc.Agents, spec)
			}
		}
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// decodeAgent decodes one agent mapping with strict field checking.
func decodeAgent(m map[string]any) (AgentSpec, error) {
	for field := range m {
		if !allowedAgentFields[field] {
			return AgentSpec{}, fmt.Errorf("unknown field %q", field)
		}
	}

	var spec AgentSpec
	var err error
	if spec.Name, err = stringField(m, "name"); err != nil {
		return AgentSpec{}, err
	}
	if spec.Executable, err = stringField(m, "executable"); err != nil {
		return AgentSpec{}, err
	}
	if spec.HostAffinity, err = stringField(m, "host_affinity"); err != nil {
		return AgentSpec{}, err
	}
	if spec.Port, err = intField(m, "port"); err != nil {
		return AgentSpec{}, err
	}
	if spec.HealthPort, err = intField(m, "health_port"); err != nil {
		return AgentSpec{}, err
	}
	if spec.StartupPriority, err = intField(m, "startup_priority"); err != nil {
		return AgentSpec{}, err
	}
	if spec.Args, err = stringSliceField(m, "args"); err != nil {
		return AgentSpec{}, err
	}
	if spec.Dependencies, err = stringSliceField(m, "dependencies"); err != nil {
		return AgentSpec{}, err
	}
	if req, ok := m["required"]; ok {
		b, ok := req.(bool)
		if !ok {
			return AgentSpec{}, fmt.Errorf("required: not a boolean")
		}
		spec.Required = b
	}
	if params, ok := m["params"]; ok {
		pm, ok := params.(map[string]any)
		if !ok {
			return AgentSpec{}, fmt.Errorf("params: not a mapping")
		}
		spec.Params = pm
	}
	if env, ok := m["env"]; ok {
		em, err := toStringMap(env)
		if err != nil {
			return AgentSpec{}, fmt.Errorf("env: %v", err)
		}
		spec.Env = em
	}
	if hints, ok := m["resource_hints"]; ok {
		hm, ok := hints.(map[string]any)
		if !ok {
			return AgentSpec{}, fmt.Errorf("resource_hints: not a mapping")
		}
		for field := range hm {
			if field != "gpu_required" && field != "est_vram_mb" {
				return AgentSpec{}, fmt.Errorf("resource_hints: unknown field %q", field)
			}
		}
		if gpu, ok := hm["gpu_required"].(bool); ok {
			spec.ResourceHints.GPURequired = gpu
		}
		if vram, ok := hm["est_vram_mb"]; ok {
			n, err := toInt(vram)
			if err != nil {
				return AgentSpec{}, fmt.Errorf("resource_hints.est_vram_mb: %v", err)
			}
			spec.ResourceHints.EstVRAMMB = n
		}
	}
	return spec, nil
}

func stringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: not a string", key)
	}
	return s, nil
}

func intField(m map[string]any, key string) (int, error) {
	v, ok := m[key]
	if !ok {
		return 0, nil
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", key, err)
	}
	return n, nil
}

func stringSliceField(m map[string]any, key string) ([]string, error) {
	v, ok := m[key]
	if !ok {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: not a list", key)
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: not a string", key, i)
		}
		out = append(out, s)
	}
	return out, nil
}

func toStringMap(v any) (map[string]string, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("not a mapping")
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		s, ok := val.(string)
		if !ok {
			s = fmt.Sprint(val)
		}
		out[k] = s
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

// decodeSection decodes one global section through the yaml parser's
// generic mapping into the typed struct. Sections are small; reflection
// via re-marshal is not worth avoiding here, but a manual decode keeps the
// behavior strict-free for globals (unknown global keys are tolerated).
func decodeSection(v any, out any) error {
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("not a mapping")
	}
	switch dst := out.(type) {
	case *ResourceLimits:
		var err error
		if dst.CPUPercent, err = intField(m, "cpu_percent"); err != nil {
			return err
		}
		if dst.RAMMB, err = intField(m, "ram_mb"); err != nil {
			return err
		}
		if dst.Threads, err = intField(m, "threads"); err != nil {
			return err
		}
	case *HealthChecks:
		var err error
		if dst.IntervalS, err = intField(m, "interval_s"); err != nil {
			return err
		}
		if dst.TimeoutS, err = intField(m, "timeout_s"); err != nil {
			return err
		}
		if dst.Retries, err = intField(m, "retries"); err != nil {
			return err
		}
		if dst.StartPeriodSeconds, err = intField(m, "start_period_seconds"); err != nil {
			return err
		}
	case *Network:
		var err error
		if dst.BindHost, err = stringField(m, "bind_host"); err != nil {
			return err
		}
		if dst.PeerHost, err = stringField(m, "peer_host"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported section type %T", out)
	}
	return nil
}
