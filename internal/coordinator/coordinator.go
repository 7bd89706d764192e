// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package coordinator accepts client requests, orders them on a bounded
// priority queue, and dispatches them to agents through the registry, the
// per-endpoint circuit breakers and the cross-machine router. A full queue
// rejects new submissions synchronously with ErrOverloaded — nothing is
// dropped silently.
package coordinator

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/meridian/internal/breaker"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
	"github.com/tomtom215/meridian/internal/registry"
	"github.com/tomtom215/meridian/internal/transport"
)

// ErrOverloaded: the queue is full; the client should back off.
var ErrOverloaded = errors.New("coordinator overloaded")

// Request kinds.
const (
	KindText    = "text"
	KindAudio   = "audio"
	KindVision  = "vision"
	KindControl = "control"
)

// Request is one client request.
type Request struct {
	RequestID   string          `json:"request_id"`
	Kind        string          `json:"kind"`
	Urgency     int             `json:"urgency"`
	ProfileHint int             `json:"profile_hint"`
	Target      string          `json:"target,omitempty"`     // agent name
	Capability  string          `json:"capability,omitempty"` // used when Target is empty, and for fallback
	Payload     json.RawMessage `json:"payload,omitempty"`
	Deadline    time.Time       `json:"deadline,omitempty"`
	Idempotent  bool            `json:"idempotent,omitempty"`
}

// ErrorInfo is the structured failure a client receives.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result is the terminal outcome of one request.
type Result struct {
	RequestID string          `json:"request_id"`
	Agent     string          `json:"agent,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Err       *ErrorInfo      `json:"error,omitempty"`
}

// pending couples a queued request with its caller.
type pending struct {
	req    Request
	ctx    context.Context
	result chan Result
}

// Directory is the registry surface the coordinator needs.
type Directory interface {
	Resolve(name string) (registry.Entry, error)
	List(filter registry.Filter) ([]registry.Entry, error)
}

// Dispatcher is the router surface the coordinator needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent string, env transport.Envelope) (transport.Envelope, error)
	Cancel(ctx context.Context, agent, requestID string)
}

// Config tunes the coordinator.
type Config struct {
	// QueueCapacity bounds the priority queue. Default: 100
	QueueCapacity int

	// Workers is the dispatch pool size. Default: 4
	Workers int
}

// DefaultConfig returns coordinator defaults.
func DefaultConfig() Config {
	return Config{QueueCapacity: 100, Workers: 4}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	return c
}

// Coordinator is the request intake and dispatch pool.
type Coordinator struct {
	cfg      Config
	dir      Directory
	disp     Dispatcher
	breakers *breaker.Registry

	mu     sync.Mutex
	queue  requestHeap
	seq    uint64
	notify chan struct{}
}

// New creates a coordinator.
func New(cfg Config, dir Directory, disp Dispatcher, breakers *breaker.Registry) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:      cfg,
		dir:      dir,
		disp:     disp,
		breakers: breakers,
		notify:   make(chan struct{}, cfg.QueueCapacity),
	}
}

// Submit enqueues a request. The result channel receives exactly one
// Result unless the caller's context ends first. A full queue returns
// ErrOverloaded immediately.
func (c *Coordinator) Submit(ctx context.Context, req Request) (<-chan Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Target == "" && req.Capability == "" {
		return nil, fmt.Errorf("request %s: target or capability required", req.RequestID)
	}

	p := &pending{req: req, ctx: ctx, result: make(chan Result, 1)}

	c.mu.Lock()
	if len(c.queue) >= c.cfg.QueueCapacity {
		c.mu.Unlock()
		metrics.CoordinatorOverloads.Inc()
		return nil, ErrOverloaded
	}
	c.seq++
	heap.Push(&c.queue, &item{req: p, seq: c.seq})
	depth := len(c.queue)
	c.mu.Unlock()

	metrics.CoordinatorQueueDepth.Set(float64(depth))
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return p.result, nil
}

// Run operates the worker pool until ctx is canceled. Wrapped as a suture
// service by the supervisor.
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Coordinator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.notify:
		}

		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			continue
		}
		it := heap.Pop(&c.queue).(*item)
		depth := len(c.queue)
		c.mu.Unlock()
		metrics.CoordinatorQueueDepth.Set(float64(depth))

		p := it.req
		// The client may have given up while the request sat in queue.
		if p.ctx.Err() != nil {
			continue
		}
		c.dispatch(ctx, p)
	}
}

// dispatch resolves, applies the breaker, and issues the downstream
// request. On CircuitOpen or Timeout it tries one alternate agent holding
// the same capability.
func (c *Coordinator) dispatch(runCtx context.Context, p *pending) {
	req := p.req

	target := req.Target
	if target == "" {
		entry, err := c.pickByCapability(req.Capability, "")
		if err != nil {
			c.finish(p, Result{RequestID: req.RequestID, Err: &ErrorInfo{Kind: "NotFound", Message: err.Error()}}, "not_found")
			return
		}
		target = entry.Name
	}

	res, outcome := c.tryAgent(runCtx, p, target)
	if outcome == "circuit_open" || outcome == "timeout" {
		if alt, err := c.pickByCapability(req.Capability, target); err == nil {
			logging.Info().Str("request_id", req.RequestID).
				Str("from", target).Str("to", alt.Name).
				Msg("falling back to alternate capability holder")
			metrics.CoordinatorFallbacks.Inc()
			res, outcome = c.tryAgent(runCtx, p, alt.Name)
		}
	}

	c.finish(p, res, outcome)
}

// tryAgent issues one breaker-guarded downstream request.
func (c *Coordinator) tryAgent(runCtx context.Context, p *pending, agent string) (Result, string) {
	req := p.req
	br := c.breakers.Get(agent)

	if err := br.Allow(); err != nil {
		return Result{RequestID: req.RequestID, Agent: agent,
			Err: &ErrorInfo{Kind: "CircuitOpen", Message: fmt.Sprintf("agent %s isolated", agent)}}, "circuit_open"
	}

	// The downstream context is bounded by the client context and the
	// request deadline, whichever is tighter.
	ctx, cancel := mergeContexts(runCtx, p.ctx)
	defer cancel()
	if !req.Deadline.IsZero() {
		var dcancel context.CancelFunc
		ctx, dcancel = context.WithDeadline(ctx, req.Deadline)
		defer dcancel()
	}

	env := transport.Envelope{
		RequestID:  req.RequestID,
		SenderName: "coordinator",
		Kind:       req.Kind,
		Idempotent: req.Idempotent,
		Payload:    req.Payload,
	}
	env = transport.StampDeadline(ctx, env)

	reply, err := c.disp.Dispatch(ctx, agent, env)
	if err != nil {
		br.Record(false)
		kind := transport.KindOf(err)
		if kind == transport.KindCanceled && p.ctx.Err() != nil {
			// Client walked away: propagate the cancel downstream.
			c.disp.Cancel(context.Background(), agent, req.RequestID)
			return Result{RequestID: req.RequestID, Agent: agent,
				Err: &ErrorInfo{Kind: "Canceled", Message: "client canceled"}}, "canceled"
		}
		outcome := "error"
		if kind == transport.KindTimeout {
			outcome = "timeout"
		}
		return Result{RequestID: req.RequestID, Agent: agent,
			Err: &ErrorInfo{Kind: string(kind), Message: err.Error()}}, outcome
	}

	br.Record(true)
	return Result{RequestID: req.RequestID, Agent: agent, Payload: reply.Payload}, "ok"
}

// pickByCapability returns the first live agent advertising the
// capability, excluding one name.
func (c *Coordinator) pickByCapability(capability, exclude string) (registry.Entry, error) {
	if capability == "" {
		return registry.Entry{}, fmt.Errorf("no capability to fall back on")
	}
	entries, err := c.dir.List(registry.Filter{Capability: capability, Liveness: registry.LivenessAlive})
	if err != nil {
		return registry.Entry{}, err
	}
	for _, e := range entries {
		if e.Name != exclude {
			return e, nil
		}
	}
	return registry.Entry{}, fmt.Errorf("no agent with capability %q", capability)
}

// finish delivers the result unless the client is gone.
func (c *Coordinator) finish(p *pending, res Result, outcome string) {
	metrics.CoordinatorRequests.WithLabelValues(p.req.Kind, outcome).Inc()
	select {
	case p.result <- res:
	default:
	}
}

// mergeContexts derives a context canceled when either parent ends.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
