// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package router

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/meridian/internal/registry"
	"github.com/tomtom215/meridian/internal/transport"
)

// serviceResolver adapts a registry.Service to the Resolver interface.
type serviceResolver struct{ svc *registry.Service }

func (r serviceResolver) Resolve(_ context.Context, name string) (registry.Entry, error) {
	return r.svc.Resolve(name)
}

// E2E-6: agent registered on the peer host is transparently reachable from
// the primary, request id preserved end to end.
func TestCrossMachineForward(t *testing.T) {
	tr := transport.NewInMemory() // one fabric shared by both "machines"
	defer tr.Close()

	svc := registry.NewService(registry.NewMemoryStore(), registry.Config{})
	resolver := serviceResolver{svc}

	primary, err := New(tr, resolver, "primary")
	if err != nil {
		t.Fatalf("primary router: %v", err)
	}
	defer primary.Close()

	secondary, err := New(tr, resolver, "secondary")
	if err != nil {
		t.Fatalf("secondary router: %v", err)
	}
	defer secondary.Close()

	// Agent X lives on the secondary host.
	if _, err := svc.Register("X", registry.Endpoint{Host: "secondary", Port: 7100}, 0, nil, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	var serverSawID string
	closer, err := tr.Serve(AgentSubject("X"), func(_ context.Context, req transport.Envelope) (transport.Envelope, error) {
		serverSawID = req.RequestID
		return req.Reply("X", "reply", map[string]string{"from": "secondary"})
	})
	if err != nil {
		t.Fatalf("serve agent: %v", err)
	}
	defer closer.Close()

	env, _ := transport.NewEnvelope("client", "text", map[string]string{"q": "hello"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := primary.Dispatch(ctx, "X", env)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if reply.RequestID != env.RequestID {
		t.Errorf("request id not preserved: sent %s, reply %s", env.RequestID, reply.RequestID)
	}
	if serverSawID != env.RequestID {
		t.Errorf("request id not preserved to the server: %s vs %s", serverSawID, env.RequestID)
	}

	var body map[string]string
	if err := reply.Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["from"] != "secondary" {
		t.Errorf("reply body = %v", body)
	}
}

func TestLocalDispatchSkipsForwarding(t *testing.T) {
	tr := transport.NewInMemory()
	defer tr.Close()

	svc := registry.NewService(registry.NewMemoryStore(), registry.Config{})
	r, err := New(tr, serviceResolver{svc}, "primary")
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	defer r.Close()

	if _, err := svc.Register("local-agent", registry.Endpoint{Host: "primary", Port: 7100}, 0, nil, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	closer, err := tr.Serve(AgentSubject("local-agent"), func(_ context.Context, req transport.Envelope) (transport.Envelope, error) {
		return req.Reply("local-agent", "reply", nil)
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer closer.Close()

	env, _ := transport.NewEnvelope("client", "text", nil)
	if _, err := r.Dispatch(context.Background(), "local-agent", env); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func TestDispatchUnknownAgent(t *testing.T) {
	tr := transport.NewInMemory()
	defer tr.Close()

	svc := registry.NewService(registry.NewMemoryStore(), registry.Config{})
	r, err := New(tr, serviceResolver{svc}, "primary")
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	defer r.Close()

	env, _ := transport.NewEnvelope("client", "text", nil)
	if _, err := r.Dispatch(context.Background(), "ghost", env); err == nil {
		t.Fatal("dispatch to unregistered agent must fail")
	}
}

func TestDeadlinePreservedAcrossForward(t *testing.T) {
	tr := transport.NewInMemory()
	defer tr.Close()

	svc := registry.NewService(registry.NewMemoryStore(), registry.Config{})
	resolver := serviceResolver{svc}
	primary, _ := New(tr, resolver, "primary")
	defer primary.Close()
	secondary, _ := New(tr, resolver, "secondary")
	defer secondary.Close()

	svc.Register("Y", registry.Endpoint{Host: "secondary", Port: 7101}, 0, nil, "")

	var gotDeadline int64
	closer, err := tr.Serve(AgentSubject("Y"), func(_ context.Context, req transport.Envelope) (transport.Envelope, error) {
		gotDeadline = req.DeadlineUnixMS
		return req.Reply("Y", "reply", nil)
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer closer.Close()

	parentDeadline := time.Now().Add(500 * time.Millisecond)
	ctx, cancel := context.WithDeadline(context.Background(), parentDeadline)
	defer cancel()

	env, _ := transport.NewEnvelope("client", "text", nil)
	if _, err := primary.Dispatch(ctx, "Y", env); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if gotDeadline == 0 {
		t.Fatal("deadline not propagated to the remote agent")
	}
	if time.UnixMilli(gotDeadline).After(parentDeadline.Add(time.Millisecond)) {
		t.Error("downstream deadline exceeds the parent deadline")
	}
}
