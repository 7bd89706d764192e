// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package router dispatches requests to agents wherever they live. A
// resolve that lands on the local host goes straight to the agent's
// subject; a resolve that lands on the peer host is forwarded to the
// peer's router, which dispatches locally. Callers never distinguish the
// two.
//
// The peer link is wrapped in a gobreaker circuit breaker: a flapping LAN
// cable must not hang every cross-machine call for its full timeout.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
	"github.com/tomtom215/meridian/internal/registry"
	"github.com/tomtom215/meridian/internal/transport"
)

// AgentSubject is the request subject an agent serves.
func AgentSubject(name string) string {
	return "meridian.agent." + name
}

// CancelTopic carries cancellation notices for an agent's in-flight work.
func CancelTopic(name string) string {
	return "meridian.agent." + name + ".cancel"
}

// RouteSubject is the subject a node's router serves for inbound forwards.
func RouteSubject(host string) string {
	return "meridian.route." + host
}

// Resolver is the registry surface the router needs.
type Resolver interface {
	Resolve(ctx context.Context, name string) (registry.Entry, error)
}

// forward is the peer-forwarding payload. The inner envelope travels
// intact so request id, deadline and sender survive the hop.
type forward struct {
	Target string             `json:"target"`
	Env    transport.Envelope `json:"env"`
}

// Router implements local dispatch and cross-machine forwarding.
type Router struct {
	t         transport.Transport
	resolver  Resolver
	localHost string

	peerBreaker *gobreaker.CircuitBreaker[transport.Envelope]
	closer      io.Closer
}

// New creates a router for this node and serves the inbound forward
// subject. localHost must match the host field agents on this node
// register with.
func New(t transport.Transport, resolver Resolver, localHost string) (*Router, error) {
	r := &Router{
		t:         t,
		resolver:  resolver,
		localHost: localHost,
	}

	r.peerBreaker = gobreaker.NewCircuitBreaker[transport.Envelope](gobreaker.Settings{
		Name:        "peer-link",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("peer link breaker transition")
		},
	})

	closer, err := t.Serve(RouteSubject(localHost), r.handleForward)
	if err != nil {
		return nil, err
	}
	r.closer = closer
	return r, nil
}

// Close stops serving inbound forwards.
func (r *Router) Close() error {
	return r.closer.Close()
}

// Dispatch resolves the agent and delivers the request, local or remote.
func (r *Router) Dispatch(ctx context.Context, agent string, env transport.Envelope) (transport.Envelope, error) {
	entry, err := r.resolver.Resolve(ctx, agent)
	if err != nil {
		return transport.Envelope{}, err
	}

	if r.localHost == "" || entry.Host == r.localHost {
		return r.t.Request(ctx, AgentSubject(agent), env)
	}
	return r.forwardToPeer(ctx, entry.Host, agent, env)
}

// Cancel publishes a cancellation notice for an in-flight request.
func (r *Router) Cancel(ctx context.Context, agent, requestID string) {
	env := transport.Envelope{
		RequestID:  requestID,
		SenderName: "router",
		Kind:       "cancel",
	}
	if err := r.t.Publish(ctx, CancelTopic(agent), env); err != nil {
		logging.Debug().Err(err).Str("agent", agent).Msg("cancel notice dropped")
	}
}

// forwardToPeer sends the request through the peer's router. Idempotent
// requests are retried once across a transient disconnect; non-idempotent
// requests are never silently retried.
func (r *Router) forwardToPeer(ctx context.Context, host, agent string, env transport.Envelope) (transport.Envelope, error) {
	env = transport.StampDeadline(ctx, env)
	outer := transport.Envelope{
		RequestID:      env.RequestID,
		SenderName:     env.SenderName,
		DeadlineUnixMS: env.DeadlineUnixMS,
		Kind:           "route",
		Idempotent:     env.Idempotent,
	}
	payload, err := transport.NewEnvelope(env.SenderName, "route", forward{Target: agent, Env: env})
	if err != nil {
		return transport.Envelope{}, err
	}
	outer.Payload = payload.Payload

	attempt := func() (transport.Envelope, error) {
		return r.peerBreaker.Execute(func() (transport.Envelope, error) {
			return r.t.Request(ctx, RouteSubject(host), outer)
		})
	}

	reply, err := attempt()
	if err != nil && env.Idempotent && errors.Is(err, transport.ErrPeerUnreachable) && ctx.Err() == nil {
		logging.Debug().Str("agent", agent).Msg("retrying idempotent forward after transient disconnect")
		time.Sleep(100 * time.Millisecond)
		reply, err = attempt()
	}

	switch {
	case err == nil:
		metrics.RouterForwards.WithLabelValues("ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RouterForwards.WithLabelValues("breaker_open").Inc()
		err = fmt.Errorf("%w: peer link open", transport.ErrPeerUnreachable)
	default:
		metrics.RouterForwards.WithLabelValues("error").Inc()
	}
	return reply, err
}

// handleForward dispatches an inbound forward locally.
func (r *Router) handleForward(ctx context.Context, req transport.Envelope) (transport.Envelope, error) {
	var fwd forward
	if err := req.Decode(&fwd); err != nil {
		logging.Warn().Err(err).Str("request_id", req.RequestID).Msg("malformed forward")
		return transport.Envelope{}, err
	}

	reply, err := r.t.Request(ctx, AgentSubject(fwd.Target), fwd.Env)
	if err != nil {
		// No reply means the caller times out; the error detail stays in
		// the local log where the failure happened.
		logging.Warn().Err(err).Str("target", fwd.Target).Msg("local dispatch of forwarded request failed")
		return transport.Envelope{}, err
	}
	return reply, nil
}
