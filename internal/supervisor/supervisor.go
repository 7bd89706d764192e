// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package supervisor owns agent process lifecycle: priority-ordered launch
// gated on dependency readiness, crash recovery with exponential backoff,
// and reverse-order shutdown. Long-lived runtime loops (prober, registry
// janitor, coordinator workers, model manager sweepers) run under a suture
// tree; agent OS processes are managed directly because their restart
// policy is the documented exponential backoff, not suture's.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tomtom215/meridian/internal/errbus"
	"github.com/tomtom215/meridian/internal/health"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
	"github.com/tomtom215/meridian/internal/registry"
	"github.com/tomtom215/meridian/internal/topology"
)

// Phase is the supervisor's view of one agent.
type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseStarting Phase = "starting"
	PhaseReady    Phase = "ready"
	PhaseDegraded Phase = "degraded"
	PhaseStopped  Phase = "stopped"
	PhaseFailed   Phase = "failed"

	// PhaseSkipped: pinned to the other host, or lost the first-writer
	// race for an affinity=any agent.
	PhaseSkipped Phase = "skipped"
)

// Supervisor failure classes.
var (
	// ErrDependencyTimeout: a dependency did not reach Ready within grace.
	ErrDependencyTimeout = errors.New("dependency timeout")

	// ErrRequiredAgentFailed: a required agent could not start or exceeded
	// its restart budget.
	ErrRequiredAgentFailed = errors.New("required agent failed")
)

// Config tunes the supervisor.
type Config struct {
	// NodeRole is this supervisor's host identity (primary or secondary).
	NodeRole string

	// StartGrace is the window for an agent's first successful probe.
	// Default: 300s
	StartGrace time.Duration

	// ReadyPollInterval is the cadence of readiness probes during start.
	// Default: 1s
	ReadyPollInterval time.Duration

	// ShutdownGrace: orderly-shutdown wait before force kill. Default: 20s
	ShutdownGrace time.Duration

	// Restart policy for required agents.
	RestartInitial  time.Duration // default 5s
	RestartCap      time.Duration // default 5m
	RestartAttempts int           // default 5

	// FailFast: a required agent exceeding its restart budget initiates
	// controlled shutdown.
	FailFast bool
}

func (c Config) withDefaults() Config {
	if c.NodeRole == "" {
		c.NodeRole = "primary"
	}
	if c.StartGrace <= 0 {
		c.StartGrace = 300 * time.Second
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 20 * time.Second
	}
	if c.RestartInitial <= 0 {
		c.RestartInitial = 5 * time.Second
	}
	if c.RestartCap <= 0 {
		c.RestartCap = 5 * time.Minute
	}
	if c.RestartAttempts <= 0 {
		c.RestartAttempts = 5
	}
	return c
}

// AgentStatus is the externally visible runtime state of one agent.
type AgentStatus struct {
	Name              string            `json:"name"`
	Group             string            `json:"group,omitempty"`
	Phase             Phase             `json:"phase"`
	Required          bool              `json:"required"`
	PID               int               `json:"pid,omitempty"`
	StartedAt         time.Time         `json:"started_at,omitempty"`
	RestartCount      int               `json:"restart_count"`
	LastFailureReason string            `json:"last_failure_reason,omitempty"`
	Endpoint          registry.Endpoint `json:"endpoint,omitempty"`
}

// agentRuntime is the supervisor-owned state for one agent.
type agentRuntime struct {
	spec            topology.AgentSpec
	phase           Phase
	proc            Process
	token           string
	startedAt       time.Time
	restartCount    int
	restartInFlight bool
	lastFailure     string
}

// Supervisor launches and watches the topology's agents on this node.
type Supervisor struct {
	cfg    Config
	doc    *topology.Document
	runner Runner
	reg    *registry.Service
	prober *health.Prober
	bus    *errbus.Bus

	mu           sync.Mutex
	agents       map[string]*agentRuntime
	shuttingDown bool

	// shutdownRequested is closed when FailFast escalation fires, letting
	// the root observe and stop the tree.
	shutdownRequested chan struct{}
	shutdownOnce      sync.Once
}

// New creates a supervisor over a validated topology document.
func New(cfg Config, doc *topology.Document, runner Runner, reg *registry.Service, prober *health.Prober, bus *errbus.Bus) *Supervisor {
	s := &Supervisor{
		cfg:               cfg.withDefaults(),
		doc:               doc,
		runner:            runner,
		reg:               reg,
		prober:            prober,
		bus:               bus,
		agents:            make(map[string]*agentRuntime),
		shutdownRequested: make(chan struct{}),
	}
	prober.OnTransition(s.onHealthTransition)
	return s
}

// ShutdownRequested is closed when the supervisor escalates to a
// controlled shutdown (fail_fast).
func (s *Supervisor) ShutdownRequested() <-chan struct{} {
	return s.shutdownRequested
}

// StartAll launches every agent of this node in dependency order. It
// returns ErrDependencyTimeout or ErrRequiredAgentFailed when a required
// agent cannot come up; optional agents are marked Failed and skipped.
func (s *Supervisor) StartAll(ctx context.Context) error {
	order, err := s.doc.Order()
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, spec := range order {
		phase := PhasePending
		if !spec.RunsOn(s.cfg.NodeRole) {
			phase = PhaseSkipped
		}
		s.agents[spec.Name] = &agentRuntime{spec: spec, phase: phase}
		metrics.AgentState.WithLabelValues(spec.Name, string(phase)).Set(1)
	}
	s.mu.Unlock()

	for _, spec := range order {
		if !spec.RunsOn(s.cfg.NodeRole) {
			continue
		}
		if err := s.waitForDependencies(ctx, spec); err != nil {
			if spec.Required {
				return fmt.Errorf("%w: agent %s: %v", ErrDependencyTimeout, spec.Name, err)
			}
			s.markFailed(spec.Name, fmt.Sprintf("dependency wait: %v", err))
			continue
		}
		if err := s.launch(ctx, spec.Name); err != nil {
			if spec.Required {
				return fmt.Errorf("%w: %s: %v", ErrRequiredAgentFailed, spec.Name, err)
			}
			s.markFailed(spec.Name, err.Error())
			s.bus.Publish(errbus.Record{
				Kind:     "AgentStartFailed",
				Severity: errbus.SeverityWarn,
				Message:  fmt.Sprintf("optional agent %s failed to start: %v", spec.Name, err),
				Context:  map[string]string{"agent": spec.Name},
			})
		}
	}
	logging.Info().Str("node", s.cfg.NodeRole).Msg("topology start complete")
	return nil
}

// waitForDependencies blocks until every dependency is Ready: locally
// supervised dependencies by phase, remote ones by registry resolution.
func (s *Supervisor) waitForDependencies(ctx context.Context, spec topology.AgentSpec) error {
	if len(spec.Dependencies) == 0 {
		return nil
	}

	deadline := time.Now().Add(s.cfg.StartGrace)
	for _, dep := range spec.Dependencies {
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			s.mu.Lock()
			rt, local := s.agents[dep]
			var phase Phase
			if local {
				phase = rt.phase
			}
			s.mu.Unlock()

			if local && phase != PhaseSkipped {
				if phase == PhaseReady {
					break
				}
				if phase == PhaseFailed {
					return fmt.Errorf("dependency %s failed", dep)
				}
			} else {
				// Remote dependency: launched by the peer supervisor.
				if _, err := s.reg.Resolve(dep); err == nil {
					break
				}
			}

			if time.Now().After(deadline) {
				return fmt.Errorf("dependency %s not ready within %s", dep, s.cfg.StartGrace)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	return nil
}

// launch starts one agent process, registers it, and waits for its first
// successful probe within the start grace window.
func (s *Supervisor) launch(ctx context.Context, name string) error {
	s.mu.Lock()
	rt, ok := s.agents[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown agent %s", name)
	}
	spec := rt.spec
	s.setPhaseLocked(rt, PhaseStarting)
	s.mu.Unlock()

	proc, err := s.runner.Start(spec, buildEnv(s.doc.Environment, spec.Env))
	if err != nil {
		return err
	}

	endpoint := registry.Endpoint{Host: s.cfg.NodeRole, Port: spec.Port}
	token, err := s.reg.Register(name, endpoint, spec.EffectiveHealthPort(), capabilities(spec), "")
	if err != nil {
		if errors.Is(err, registry.ErrNameTaken) {
			// First-writer-wins for host_affinity=any: the peer claimed it.
			logging.Info().Str("agent", name).Msg("name claimed by peer supervisor, skipping")
			_ = proc.Terminate()
			s.mu.Lock()
			s.setPhaseLocked(rt, PhaseSkipped)
			s.mu.Unlock()
			return nil
		}
		_ = proc.Kill()
		return err
	}

	s.mu.Lock()
	rt.proc = proc
	rt.token = token
	rt.startedAt = time.Now()
	s.mu.Unlock()

	s.prober.Watch(name, s.cfg.StartGrace)

	if err := s.waitReady(ctx, name); err != nil {
		s.prober.Unwatch(name)
		_ = s.reg.Deregister(token)
		_ = proc.Kill()
		return err
	}

	s.mu.Lock()
	s.setPhaseLocked(rt, PhaseReady)
	s.mu.Unlock()
	logging.Info().Str("agent", name).Int("pid", proc.PID()).Msg("agent ready")

	go s.monitor(name, proc)
	return nil
}

// waitReady polls the agent's health endpoint until the first success or
// the grace window lapses.
func (s *Supervisor) waitReady(ctx context.Context, name string) error {
	deadline := time.Now().Add(s.cfg.StartGrace)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		snap := s.prober.ProbeOne(ctx, name)
		if snap.Error == "" && snap.Status != health.StatusFailing {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no successful probe within %s", s.cfg.StartGrace)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReadyPollInterval):
		}
	}
}

// monitor reaps one process and triggers crash handling.
func (s *Supervisor) monitor(name string, proc Process) {
	<-proc.Done()

	s.mu.Lock()
	rt, ok := s.agents[name]
	// rt.proc != proc means this process was superseded or deliberately
	// stopped (restart path); only unexpected deaths count as crashes.
	if !ok || s.shuttingDown || rt.phase == PhaseStopped || rt.proc != proc {
		s.mu.Unlock()
		return
	}
	reason := "process exited"
	if err := proc.Err(); err != nil {
		reason = err.Error()
	}
	rt.lastFailure = reason
	s.setPhaseLocked(rt, PhaseFailed)
	s.mu.Unlock()

	logging.Warn().Str("agent", name).Str("reason", reason).Msg("agent process died")
	s.handleFailure(name, reason)
}

// onHealthTransition reacts to prober classifications.
func (s *Supervisor) onHealthTransition(name string, state health.State) {
	s.mu.Lock()
	rt, ok := s.agents[name]
	if !ok || s.shuttingDown {
		s.mu.Unlock()
		return
	}
	switch state {
	case health.StateDegraded:
		if rt.phase == PhaseReady {
			s.setPhaseLocked(rt, PhaseDegraded)
		}
		s.mu.Unlock()
	case health.StateHealthy:
		if rt.phase == PhaseDegraded {
			s.setPhaseLocked(rt, PhaseReady)
		}
		s.mu.Unlock()
	case health.StateFailed:
		reason := "health probes exhausted"
		rt.lastFailure = reason
		s.setPhaseLocked(rt, PhaseFailed)
		// The process may still be running but unresponsive; reap it so
		// the restart starts clean.
		if rt.proc != nil {
			_ = rt.proc.Kill()
		}
		s.mu.Unlock()
		s.handleFailure(name, reason)
	default:
		s.mu.Unlock()
	}
}

// handleFailure applies the restart policy.
func (s *Supervisor) handleFailure(name, reason string) {
	s.mu.Lock()
	rt, ok := s.agents[name]
	if !ok || s.shuttingDown {
		s.mu.Unlock()
		return
	}
	if !rt.spec.Required {
		s.mu.Unlock()
		s.bus.Publish(errbus.Record{
			Kind:     "AgentFailed",
			Severity: errbus.SeverityWarn,
			Message:  fmt.Sprintf("optional agent %s failed: %s", name, reason),
			Context:  map[string]string{"agent": name},
		})
		return
	}
	if rt.restartInFlight {
		// At most one restart loop per agent at a time.
		s.mu.Unlock()
		return
	}
	rt.restartInFlight = true
	s.mu.Unlock()

	go s.restartLoop(name)
}

// restartLoop retries a required agent with exponential backoff. The gap
// between attempt k and k+1 is min(initial * 2^k, cap), deterministic.
func (s *Supervisor) restartLoop(name string) {
	defer func() {
		s.mu.Lock()
		if rt, ok := s.agents[name]; ok {
			rt.restartInFlight = false
		}
		s.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RestartInitial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = s.cfg.RestartCap
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; attempt <= s.cfg.RestartAttempts; attempt++ {
		wait := bo.NextBackOff()
		logging.Info().Str("agent", name).Int("attempt", attempt).Dur("backoff", wait).
			Msg("scheduling agent restart")
		time.Sleep(wait)

		s.mu.Lock()
		if s.shuttingDown {
			s.mu.Unlock()
			return
		}
		rt := s.agents[name]
		rt.restartCount++
		s.mu.Unlock()
		metrics.AgentRestarts.WithLabelValues(name).Inc()

		if err := s.launch(context.Background(), name); err != nil {
			logging.Warn().Err(err).Str("agent", name).Int("attempt", attempt).Msg("restart attempt failed")
			continue
		}
		return
	}

	s.bus.Publish(errbus.Record{
		Kind:     "RequiredAgentFailed",
		Severity: errbus.SeverityCritical,
		Message:  fmt.Sprintf("agent %s exceeded restart budget (%d attempts)", name, s.cfg.RestartAttempts),
		Context:  map[string]string{"agent": name},
	})
	if s.cfg.FailFast {
		logging.Error().Str("agent", name).Msg("fail_fast: initiating controlled shutdown")
		s.shutdownOnce.Do(func() { close(s.shutdownRequested) })
	}
}

// RunHeartbeats refreshes the registry entries of this node's live agents
// so they do not expire while healthy. The cadence is a third of the
// registry TTL. Wrapped as a suture service by the root.
func (s *Supervisor) RunHeartbeats(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			type beat struct {
				name  string
				token string
				phase Phase
			}
			var beats []beat
			for name, rt := range s.agents {
				if rt.token == "" {
					continue
				}
				switch rt.phase {
				case PhaseReady, PhaseDegraded, PhaseStarting:
					beats = append(beats, beat{name, rt.token, rt.phase})
				}
			}
			s.mu.Unlock()

			for _, b := range beats {
				snap := registry.HealthSnapshot{State: string(b.phase), LastProbeAt: time.Now()}
				if state, ok := s.prober.StateOf(b.name); ok {
					snap.State = string(state)
				}
				if err := s.reg.Heartbeat(b.token, snap); err != nil {
					logging.Debug().Err(err).Str("agent", b.name).Msg("heartbeat failed")
				}
			}
		}
	}
}

// Shutdown stops every local agent in reverse topological order: orderly
// signal, grace wait, then force.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	s.mu.Unlock()

	order, err := s.doc.ReverseOrder()
	if err != nil {
		return err
	}

	for _, spec := range order {
		s.stopAgent(ctx, spec.Name)
	}
	logging.Info().Str("node", s.cfg.NodeRole).Msg("topology shutdown complete")
	return nil
}

// stopAgent stops one agent if it has a live process.
func (s *Supervisor) stopAgent(ctx context.Context, name string) {
	s.mu.Lock()
	rt, ok := s.agents[name]
	if !ok || rt.proc == nil || rt.phase == PhaseStopped || rt.phase == PhaseSkipped {
		s.mu.Unlock()
		return
	}
	proc := rt.proc
	token := rt.token
	s.setPhaseLocked(rt, PhaseStopped)
	s.mu.Unlock()

	s.prober.Unwatch(name)
	if token != "" {
		_ = s.reg.Deregister(token)
	}

	if err := proc.Terminate(); err != nil {
		_ = proc.Kill()
		return
	}
	select {
	case <-proc.Done():
	case <-time.After(s.cfg.ShutdownGrace):
		logging.Warn().Str("agent", name).Msg("shutdown grace expired, killing")
		_ = proc.Kill()
		<-proc.Done()
	case <-ctx.Done():
		_ = proc.Kill()
	}
	logging.Info().Str("agent", name).Msg("agent stopped")
}

// Restart stops and relaunches one agent on operator request.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	s.mu.Lock()
	rt, ok := s.agents[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown agent %s", name)
	}
	if rt.phase == PhaseSkipped {
		s.mu.Unlock()
		return fmt.Errorf("agent %s runs on the peer node", name)
	}
	s.mu.Unlock()

	s.stopAgentForRestart(ctx, name)
	return s.launch(ctx, name)
}

// stopAgentForRestart is stopAgent without the terminal Stopped phase.
func (s *Supervisor) stopAgentForRestart(ctx context.Context, name string) {
	s.mu.Lock()
	rt := s.agents[name]
	proc := rt.proc
	token := rt.token
	rt.proc = nil
	rt.token = ""
	s.setPhaseLocked(rt, PhasePending)
	s.mu.Unlock()

	s.prober.Unwatch(name)
	if token != "" {
		_ = s.reg.Deregister(token)
	}
	if proc == nil {
		return
	}
	if err := proc.Terminate(); err == nil {
		select {
		case <-proc.Done():
		case <-time.After(s.cfg.ShutdownGrace):
			_ = proc.Kill()
		case <-ctx.Done():
			_ = proc.Kill()
		}
	} else {
		_ = proc.Kill()
	}
}

// Status returns every agent's runtime state, launch order first.
func (s *Supervisor) Status() []AgentStatus {
	order, _ := s.doc.Order()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentStatus, 0, len(order))
	for _, spec := range order {
		rt, ok := s.agents[spec.Name]
		if !ok {
			continue
		}
		st := AgentStatus{
			Name:              spec.Name,
			Group:             spec.Group,
			Phase:             rt.phase,
			Required:          spec.Required,
			RestartCount:      rt.restartCount,
			LastFailureReason: rt.lastFailure,
			StartedAt:         rt.startedAt,
		}
		if rt.proc != nil {
			st.PID = rt.proc.PID()
			st.Endpoint = registry.Endpoint{Host: s.cfg.NodeRole, Port: spec.Port}
		}
		out = append(out, st)
	}
	return out
}

// PhaseOf returns one agent's phase.
func (s *Supervisor) PhaseOf(name string) (Phase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.agents[name]
	if !ok {
		return "", false
	}
	return rt.phase, true
}

// markFailed records a start failure for an optional agent.
func (s *Supervisor) markFailed(name, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.agents[name]; ok {
		rt.lastFailure = reason
		s.setPhaseLocked(rt, PhaseFailed)
	}
}

// setPhaseLocked transitions a phase and maintains the gauge (mu held).
func (s *Supervisor) setPhaseLocked(rt *agentRuntime, to Phase) {
	from := rt.phase
	rt.phase = to
	if from != "" {
		metrics.AgentState.WithLabelValues(rt.spec.Name, string(from)).Set(0)
	}
	metrics.AgentState.WithLabelValues(rt.spec.Name, string(to)).Set(1)
}

// capabilities derives registry capability labels: the agent's topology
// group plus any explicit params list.
func capabilities(spec topology.AgentSpec) []string {
	caps := []string{}
	if spec.Group != "" {
		caps = append(caps, spec.Group)
	}
	if raw, ok := spec.Params["capabilities"]; ok {
		if list, ok := raw.([]any); ok {
			for _, item := range list {
				if s, ok := item.(string); ok {
					caps = append(caps, s)
				}
			}
		}
	}
	return caps
}
