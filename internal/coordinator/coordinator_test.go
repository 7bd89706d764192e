// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/breaker"
	"github.com/tomtom215/meridian/internal/registry"
	"github.com/tomtom215/meridian/internal/transport"
)

// fakeDispatcher records dispatches and simulates agent behavior.
type fakeDispatcher struct {
	mu        sync.Mutex
	calls     []string
	cancels   []string
	behaviors map[string]func(env transport.Envelope) (transport.Envelope, error)
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{behaviors: make(map[string]func(transport.Envelope) (transport.Envelope, error))}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, agent string, env transport.Envelope) (transport.Envelope, error) {
	d.mu.Lock()
	d.calls = append(d.calls, agent)
	fn := d.behaviors[agent]
	d.mu.Unlock()
	if fn == nil {
		return env.Reply(agent, "reply", map[string]string{"agent": agent}), nil
	}
	return fn(env)
}

func (d *fakeDispatcher) Cancel(_ context.Context, agent, requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels = append(d.cancels, agent+":"+requestID)
}

func (d *fakeDispatcher) callsFor() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

type fixture struct {
	svc  *registry.Service
	disp *fakeDispatcher
	co   *Coordinator
	stop context.CancelFunc
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	svc := registry.NewService(registry.NewMemoryStore(), registry.Config{})
	disp := newFakeDispatcher()
	co := New(cfg, directory{svc}, disp, breaker.NewRegistry(breaker.Config{}))

	ctx, cancel := context.WithCancel(context.Background())
	go co.Run(ctx)
	t.Cleanup(cancel)
	return &fixture{svc: svc, disp: disp, co: co, stop: cancel}
}

// directory adapts registry.Service to the Directory interface.
type directory struct{ svc *registry.Service }

func (d directory) Resolve(name string) (registry.Entry, error) { return d.svc.Resolve(name) }
func (d directory) List(f registry.Filter) ([]registry.Entry, error) {
	return d.svc.List(f)
}

func register(t *testing.T, svc *registry.Service, name string, caps ...string) {
	t.Helper()
	if _, err := svc.Register(name, registry.Endpoint{Host: "primary", Port: 7000}, 0, caps, ""); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func awaitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
		return Result{}
	}
}

func TestDispatchToTarget(t *testing.T) {
	f := newFixture(t, Config{Workers: 2})
	register(t, f.svc, "nlu", "nlu")

	ch, err := f.co.Submit(context.Background(), Request{
		Kind:    KindText,
		Target:  "nlu",
		Payload: json.RawMessage(`{"text":"hello"}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := awaitResult(t, ch)
	if res.Err != nil {
		t.Fatalf("result error: %+v", res.Err)
	}
	if res.Agent != "nlu" {
		t.Errorf("agent = %s", res.Agent)
	}
}

func TestOverloadedSynchronously(t *testing.T) {
	// No workers pulling: the queue fills and the next submit is rejected
	// immediately.
	svc := registry.NewService(registry.NewMemoryStore(), registry.Config{})
	co := New(Config{QueueCapacity: 2, Workers: 1}, directory{svc}, newFakeDispatcher(), breaker.NewRegistry(breaker.Config{}))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := co.Submit(ctx, Request{Kind: KindText, Target: "x"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if _, err := co.Submit(ctx, Request{Kind: KindText, Target: "x"}); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	svc := registry.NewService(registry.NewMemoryStore(), registry.Config{})
	disp := newFakeDispatcher()
	co := New(Config{QueueCapacity: 10, Workers: 1}, directory{svc}, disp, breaker.NewRegistry(breaker.Config{}))

	register(t, svc, "low-agent")
	register(t, svc, "mid-agent")
	register(t, svc, "high-agent")

	// Enqueue before any worker runs so ordering is decided by the heap.
	ctx := context.Background()
	chLow, _ := co.Submit(ctx, Request{Kind: KindText, Target: "low-agent", Urgency: 1})
	chHigh, _ := co.Submit(ctx, Request{Kind: KindControl, Target: "high-agent", Urgency: 9})
	chMid, _ := co.Submit(ctx, Request{Kind: KindText, Target: "mid-agent", Urgency: 5})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go co.Run(runCtx)

	awaitResult(t, chLow)
	awaitResult(t, chHigh)
	awaitResult(t, chMid)

	calls := disp.callsFor()
	want := []string{"high-agent", "mid-agent", "low-agent"}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", calls, want)
		}
	}
}

func TestArrivalOrderBreaksTies(t *testing.T) {
	svc := registry.NewService(registry.NewMemoryStore(), registry.Config{})
	disp := newFakeDispatcher()
	co := New(Config{QueueCapacity: 10, Workers: 1}, directory{svc}, disp, breaker.NewRegistry(breaker.Config{}))

	register(t, svc, "first")
	register(t, svc, "second")

	ctx := context.Background()
	ch1, _ := co.Submit(ctx, Request{Kind: KindText, Target: "first", Urgency: 5})
	ch2, _ := co.Submit(ctx, Request{Kind: KindText, Target: "second", Urgency: 5})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go co.Run(runCtx)

	awaitResult(t, ch1)
	awaitResult(t, ch2)

	calls := disp.callsFor()
	if calls[0] != "first" || calls[1] != "second" {
		t.Fatalf("tie-break order = %v", calls)
	}
}

func TestFallbackOnTimeout(t *testing.T) {
	f := newFixture(t, Config{Workers: 1})
	register(t, f.svc, "asr-a", "asr")
	register(t, f.svc, "asr-b", "asr")

	f.disp.mu.Lock()
	f.disp.behaviors["asr-a"] = func(transport.Envelope) (transport.Envelope, error) {
		return transport.Envelope{}, transport.ErrTimeout
	}
	f.disp.mu.Unlock()

	ch, err := f.co.Submit(context.Background(), Request{
		Kind:       KindAudio,
		Target:     "asr-a",
		Capability: "asr",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := awaitResult(t, ch)
	if res.Err != nil {
		t.Fatalf("fallback failed: %+v", res.Err)
	}
	if res.Agent != "asr-b" {
		t.Errorf("served by %s, want asr-b", res.Agent)
	}
}

func TestNoFallbackStructuredError(t *testing.T) {
	f := newFixture(t, Config{Workers: 1})
	register(t, f.svc, "solo", "unique-cap")

	f.disp.mu.Lock()
	f.disp.behaviors["solo"] = func(transport.Envelope) (transport.Envelope, error) {
		return transport.Envelope{}, transport.ErrTimeout
	}
	f.disp.mu.Unlock()

	ch, _ := f.co.Submit(context.Background(), Request{
		Kind: KindText, Target: "solo", Capability: "unique-cap",
	})
	res := awaitResult(t, ch)
	if res.Err == nil {
		t.Fatal("expected structured error")
	}
	if res.Err.Kind != "Timeout" {
		t.Errorf("error kind = %s", res.Err.Kind)
	}
}

func TestClientCancellationPropagates(t *testing.T) {
	f := newFixture(t, Config{Workers: 1})
	register(t, f.svc, "slow")

	started := make(chan struct{})
	f.disp.mu.Lock()
	f.disp.behaviors["slow"] = func(env transport.Envelope) (transport.Envelope, error) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		return transport.Envelope{}, transport.ErrCanceled
	}
	f.disp.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.co.Submit(ctx, Request{Kind: KindText, Target: "slow", RequestID: "req-42"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	cancel()

	res := awaitResult(t, ch)
	if res.Err == nil || res.Err.Kind != "Canceled" {
		t.Fatalf("result = %+v, want canceled", res)
	}

	// The downstream cancel notice was sent.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.disp.mu.Lock()
		n := len(f.disp.cancels)
		f.disp.mu.Unlock()
		if n > 0 {
			f.disp.mu.Lock()
			got := f.disp.cancels[0]
			f.disp.mu.Unlock()
			if got != "slow:req-42" {
				t.Errorf("cancel = %s", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("cancel notice never sent")
}

func TestCapabilityOnlyDispatch(t *testing.T) {
	f := newFixture(t, Config{Workers: 1})
	register(t, f.svc, "vision-1", "vision")

	ch, err := f.co.Submit(context.Background(), Request{Kind: KindVision, Capability: "vision"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := awaitResult(t, ch)
	if res.Err != nil || res.Agent != "vision-1" {
		t.Errorf("result = %+v", res)
	}
}
