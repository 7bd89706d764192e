// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
)

// Config holds registry policy.
type Config struct {
	// HeartbeatTTL: entries silent longer than this are Unreachable.
	// Default: 90s (3x the default probe interval)
	HeartbeatTTL time.Duration

	// RetainDuration: unreachable entries older than this are deleted.
	// Default: 1h
	RetainDuration time.Duration

	// SweepInterval: how often the janitor runs. Default: 30s
	SweepInterval time.Duration
}

// DefaultConfig returns registry defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTTL:   90 * time.Second,
		RetainDuration: time.Hour,
		SweepInterval:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = d.HeartbeatTTL
	}
	if c.RetainDuration <= 0 {
		c.RetainDuration = d.RetainDuration
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Service implements the registry operations over a Store.
type Service struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// NewService creates a registry service.
func NewService(store Store, cfg Config) *Service {
	return &Service{store: store, cfg: cfg.withDefaults(), now: time.Now}
}

// SetClock replaces the time source, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// liveness computes an entry's reachability at time t.
func (s *Service) liveness(e Entry, t time.Time) Liveness {
	if t.Sub(e.LastHeartbeat) > s.cfg.HeartbeatTTL {
		return LivenessUnreachable
	}
	return LivenessAlive
}

// Register binds name to an endpoint and returns a registration token.
//
// Re-registering the same {name, endpoint} refreshes the entry and returns
// the original token, so an agent restarting quickly does not race its own
// stale entry. A different endpoint conflicts only while the existing
// binding is live; a stale binding is displaced.
func (s *Service) Register(name string, endpoint Endpoint, healthPort int, capabilities []string, version string) (string, error) {
	if name == "" || endpoint.Host == "" || endpoint.Port == 0 {
		return "", fmt.Errorf("register %q: name, host and port are required", name)
	}
	if healthPort == 0 {
		healthPort = endpoint.Port + 1000
	}

	now := s.now()
	existing, found, err := s.store.Get(name)
	if err != nil {
		return "", err
	}
	if found {
		sameEndpoint := existing.Host == endpoint.Host && existing.Port == endpoint.Port
		if sameEndpoint {
			existing.LastHeartbeat = now
			existing.HealthPort = healthPort
			existing.Capabilities = capabilities
			existing.Version = version
			if err := s.store.Put(existing); err != nil {
				return "", err
			}
			metrics.RegistryOperations.WithLabelValues("register", "refreshed").Inc()
			return existing.Token, nil
		}
		if s.liveness(existing, now) == LivenessAlive {
			metrics.RegistryOperations.WithLabelValues("register", "name_taken").Inc()
			return "", fmt.Errorf("%w: %s is bound to %s", ErrNameTaken, name, existing.Endpoint())
		}
		logging.Info().Str("agent", name).
			Str("old_endpoint", existing.Endpoint().String()).
			Str("new_endpoint", endpoint.String()).
			Msg("displacing stale registration")
	}

	entry := Entry{
		Name:          name,
		Host:          endpoint.Host,
		Port:          endpoint.Port,
		HealthPort:    healthPort,
		Capabilities:  capabilities,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Version:       version,
		Token:         uuid.NewString(),
	}
	if err := s.store.Put(entry); err != nil {
		return "", err
	}
	metrics.RegistryOperations.WithLabelValues("register", "ok").Inc()
	logging.Info().Str("agent", name).Str("endpoint", endpoint.String()).Msg("agent registered")
	return entry.Token, nil
}

// Deregister removes the binding identified by token.
func (s *Service) Deregister(token string) error {
	entry, err := s.findByToken(token)
	if err != nil {
		metrics.RegistryOperations.WithLabelValues("deregister", "invalid_token").Inc()
		return err
	}
	if err := s.store.Delete(entry.Name); err != nil {
		return err
	}
	metrics.RegistryOperations.WithLabelValues("deregister", "ok").Inc()
	logging.Info().Str("agent", entry.Name).Msg("agent deregistered")
	return nil
}

// Resolve returns the live endpoint for name. Side-effect free.
func (s *Service) Resolve(name string) (Entry, error) {
	entry, found, err := s.store.Get(name)
	if err != nil {
		return Entry{}, err
	}
	if !found {
		metrics.RegistryOperations.WithLabelValues("resolve", "not_found").Inc()
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if s.liveness(entry, s.now()) == LivenessUnreachable {
		metrics.RegistryOperations.WithLabelValues("resolve", "unreachable").Inc()
		return entry.sanitized(), fmt.Errorf("%w: %s", ErrUnreachable, name)
	}
	metrics.RegistryOperations.WithLabelValues("resolve", "ok").Inc()
	return entry.sanitized(), nil
}

// List returns entries matching the filter, sorted by name.
func (s *Service) List(filter Filter) ([]Entry, error) {
	entries, err := s.store.List()
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if filter.Capability != "" && !e.HasCapability(filter.Capability) {
			continue
		}
		if filter.Host != "" && e.Host != filter.Host {
			continue
		}
		if filter.Liveness != "" && s.liveness(e, now) != filter.Liveness {
			continue
		}
		out = append(out, e.sanitized())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Heartbeat refreshes the entry bound to token and records the carried
// health snapshot.
func (s *Service) Heartbeat(token string, health HealthSnapshot) error {
	entry, err := s.findByToken(token)
	if err != nil {
		metrics.RegistryOperations.WithLabelValues("heartbeat", "invalid_token").Inc()
		return err
	}
	entry.LastHeartbeat = s.now()
	entry.Health = health
	if err := s.store.Put(entry); err != nil {
		return err
	}
	metrics.RegistryOperations.WithLabelValues("heartbeat", "ok").Inc()
	return nil
}

// Sweep marks gauges and deletes entries beyond the retention window.
// Runs periodically from the janitor; callable directly in tests.
func (s *Service) Sweep(ctx context.Context) error {
	entries, err := s.store.List()
	if err != nil {
		return err
	}

	now := s.now()
	alive, unreachable := 0, 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch s.liveness(e, now) {
		case LivenessAlive:
			alive++
		case LivenessUnreachable:
			unreachable++
			if now.Sub(e.LastHeartbeat) > s.cfg.RetainDuration {
				if err := s.store.Delete(e.Name); err != nil {
					logging.Warn().Err(err).Str("agent", e.Name).Msg("janitor delete failed")
					continue
				}
				logging.Info().Str("agent", e.Name).
					Time("last_heartbeat", e.LastHeartbeat).
					Msg("expired registration removed")
			}
		}
	}
	metrics.RegistryEntries.WithLabelValues(string(LivenessAlive)).Set(float64(alive))
	metrics.RegistryEntries.WithLabelValues(string(LivenessUnreachable)).Set(float64(unreachable))
	return nil
}

// Janitor runs Sweep on the configured interval until ctx is canceled.
// Wrapped as a suture service by the supervisor.
func (s *Service) Janitor(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				logging.Warn().Err(err).Msg("registry sweep failed")
			}
		}
	}
}

// findByToken scans for the entry holding token.
func (s *Service) findByToken(token string) (Entry, error) {
	if token == "" {
		return Entry{}, ErrInvalidToken
	}
	entries, err := s.store.List()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.Token == token {
			return e, nil
		}
	}
	return Entry{}, ErrInvalidToken
}
