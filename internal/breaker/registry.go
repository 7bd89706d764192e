// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package breaker

import "sync"

// Registry hands out one breaker per endpoint, created on first use with a
// shared configuration.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the endpoint, creating it if needed.
func (r *Registry) Get(endpoint string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[endpoint]
	if !ok {
		b = New(endpoint, r.cfg)
		r.breakers[endpoint] = b
	}
	return b
}

// Remove drops the breaker for an endpoint (agent deregistered).
func (r *Registry) Remove(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, endpoint)
}

// Snapshots returns a view of every breaker, for the observability hub.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		s := b.Snapshot()
		s.StateName = s.State.String()
		out = append(out, s)
	}
	return out
}
