// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package health

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/meridian/internal/breaker"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
	"github.com/tomtom215/meridian/internal/transport"
)

// Config tunes the prober.
type Config struct {
	// ProbeInterval: probe cadence per agent. Default: 30s
	ProbeInterval time.Duration

	// ProbeTimeout bounds one probe round trip. Default: 5s
	ProbeTimeout time.Duration

	// SoftThreshold: consecutive failures before Degraded. Default: 3
	SoftThreshold int

	// HardThreshold: consecutive failures before Failed. Default: 6
	HardThreshold int
}

// DefaultConfig returns prober defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
		SoftThreshold: 3,
		HardThreshold: 6,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.SoftThreshold <= 0 {
		c.SoftThreshold = d.SoftThreshold
	}
	if c.HardThreshold <= 0 {
		c.HardThreshold = d.HardThreshold
	}
	return c
}

// TransitionFunc is notified when an agent's classification changes. The
// supervisor uses it to react to Failed agents; it must not block.
type TransitionFunc func(agent string, state State)

// watched is one agent's probe state.
type watched struct {
	graceUntil          time.Time
	consecutiveFailures int
	state               State
}

// Prober runs the periodic probe loop over every watched agent.
type Prober struct {
	cfg      Config
	t        transport.Transport
	breakers *breaker.Registry

	mu     sync.Mutex
	agents map[string]*watched

	onTransition TransitionFunc
	now          func() time.Time
}

// NewProber creates a prober. breakers provides the per-agent breakers the
// probe outcomes feed (probes bypass Allow by design — an open breaker
// must not stop recovery from being noticed).
func NewProber(cfg Config, t transport.Transport, breakers *breaker.Registry) *Prober {
	return &Prober{
		cfg:      cfg.withDefaults(),
		t:        t,
		breakers: breakers,
		agents:   make(map[string]*watched),
		now:      time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (p *Prober) SetClock(now func() time.Time) { p.now = now }

// OnTransition installs the classification-change callback.
func (p *Prober) OnTransition(fn TransitionFunc) { p.onTransition = fn }

// Watch starts probing an agent. Failures inside the grace window do not
// count toward the thresholds.
func (p *Prober) Watch(agent string, grace time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents[agent] = &watched{
		graceUntil: p.now().Add(grace),
		state:      StateHealthy,
	}
}

// Unwatch stops probing an agent.
func (p *Prober) Unwatch(agent string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.agents, agent)
	p.breakers.Remove(agent)
}

// StateOf returns the current classification of an agent.
func (p *Prober) StateOf(agent string) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.agents[agent]
	if !ok {
		return "", false
	}
	return w.state, true
}

// Run probes all watched agents on the configured interval until ctx is
// canceled. Wrapped as a suture service by the supervisor.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every watched agent concurrently and waits for the round
// to finish.
func (p *Prober) ProbeAll(ctx context.Context) {
	p.mu.Lock()
	names := make([]string, 0, len(p.agents))
	for name := range p.agents {
		names = append(names, name)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			p.ProbeOne(ctx, name)
		}(name)
	}
	wg.Wait()
}

// ProbeOne sends one ping and applies the outcome.
func (p *Prober) ProbeOne(ctx context.Context, agent string) Snapshot {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	env, err := transport.NewEnvelope("health-prober", "health_probe", ProbeRequest{Action: ActionPing})
	if err != nil {
		return Snapshot{Agent: agent, Error: err.Error()}
	}

	start := p.now()
	reply, err := p.t.Request(probeCtx, HealthSubject(agent), env)
	latency := p.now().Sub(start)
	metrics.ProbeDuration.WithLabelValues(agent).Observe(latency.Seconds())

	var resp ProbeResponse
	success := err == nil
	if success {
		if decodeErr := reply.Decode(&resp); decodeErr != nil {
			success = false
			err = decodeErr
		} else if resp.Status == StatusFailing {
			success = false
		}
	}

	snap := p.apply(agent, success, latency, resp, err)
	p.publish(snap)
	return snap
}

// DeepProbe asks an agent to verify its own upstream dependencies. Used on
// demand; the result is published like a regular probe but thresholds are
// not advanced (an agent honestly reporting a broken backend should not be
// counted as unreachable).
func (p *Prober) DeepProbe(ctx context.Context, agent string) (ProbeResponse, error) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	env, err := transport.NewEnvelope("health-prober", "health_probe", ProbeRequest{Action: ActionHealthCheck})
	if err != nil {
		return ProbeResponse{}, err
	}
	reply, err := p.t.Request(probeCtx, HealthSubject(agent), env)
	if err != nil {
		return ProbeResponse{}, err
	}
	var resp ProbeResponse
	if err := reply.Decode(&resp); err != nil {
		return ProbeResponse{}, err
	}

	snap := Snapshot{
		Agent:    agent,
		Status:   resp.Status,
		ProbedAt: p.now(),
		Deps:     resp.Deps,
	}
	if state, ok := p.StateOf(agent); ok {
		snap.State = state
	}
	p.publish(snap)
	return resp, nil
}

// apply folds one outcome into the agent's classification.
func (p *Prober) apply(agent string, success bool, latency time.Duration, resp ProbeResponse, probeErr error) Snapshot {
	// Probes bypass the breaker's Allow but still record outcomes.
	p.breakers.Get(agent).Record(success)

	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.agents[agent]
	if !ok {
		return Snapshot{Agent: agent}
	}

	inGrace := p.now().Before(w.graceUntil)
	if success {
		w.consecutiveFailures = 0
	} else if !inGrace {
		w.consecutiveFailures++
		metrics.ProbeFailures.WithLabelValues(agent).Inc()
	}

	prev := w.state
	switch {
	case w.consecutiveFailures >= p.cfg.HardThreshold:
		w.state = StateFailed
	case w.consecutiveFailures >= p.cfg.SoftThreshold:
		w.state = StateDegraded
	case success:
		w.state = StateHealthy
	}

	if w.state != prev {
		logging.Warn().Str("agent", agent).
			Str("from", string(prev)).Str("to", string(w.state)).
			Int("consecutive_failures", w.consecutiveFailures).
			Msg("agent health transition")
		if p.onTransition != nil {
			go p.onTransition(agent, w.state)
		}
	}

	snap := Snapshot{
		Agent:               agent,
		State:               w.state,
		Status:              resp.Status,
		ConsecutiveFailures: w.consecutiveFailures,
		LastLatencyMS:       latency.Milliseconds(),
		ProbedAt:            p.now(),
		Deps:                resp.Deps,
	}
	if probeErr != nil {
		snap.Error = probeErr.Error()
	}
	return snap
}

// publish sends a snapshot to the health topic, best-effort.
func (p *Prober) publish(snap Snapshot) {
	env, err := transport.NewEnvelope("health-prober", "health_snapshot", snap)
	if err != nil {
		return
	}
	if err := p.t.Publish(context.Background(), Topic, env); err != nil {
		logging.Debug().Err(err).Str("agent", snap.Agent).Msg("health snapshot dropped")
	}
}

// SubscribeSnapshots delivers snapshots published by any prober on the
// fabric.
func SubscribeSnapshots(ctx context.Context, t transport.Transport) (<-chan Snapshot, func(), error) {
	envs, closer, err := t.Subscribe(ctx, Topic)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan Snapshot, 128)
	go func() {
		defer close(out)
		for env := range envs {
			var snap Snapshot
			if err := env.Decode(&snap); err != nil {
				continue
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { closer.Close() }, nil
}
