// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(store Store) (*Service, *clock) {
	svc := NewService(store, Config{
		HeartbeatTTL:   90 * time.Second,
		RetainDuration: time.Hour,
	})
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	svc.SetClock(clk.now)
	return svc, clk
}

func TestRegisterResolve(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())

	token, err := svc.Register("asr-stream", Endpoint{Host: "primary", Port: 7001}, 0, []string{"asr"}, "1.0")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	entry, err := svc.Resolve("asr-stream")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if entry.Port != 7001 {
		t.Errorf("port = %d", entry.Port)
	}
	if entry.HealthPort != 8001 {
		t.Errorf("health port should default to port+1000, got %d", entry.HealthPort)
	}
	if entry.Token != "" {
		t.Error("resolve must not leak the registration token")
	}
}

func TestRegisterIdempotent(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())

	ep := Endpoint{Host: "primary", Port: 7001}
	t1, err := svc.Register("nlu", ep, 0, nil, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	t2, err := svc.Register("nlu", ep, 0, nil, "")
	if err != nil {
		t.Fatalf("re-register same endpoint: %v", err)
	}
	if t1 != t2 {
		t.Errorf("same {name, endpoint} should yield the same token: %s vs %s", t1, t2)
	}
}

func TestRegisterNameTaken(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())

	if _, err := svc.Register("nlu", Endpoint{Host: "primary", Port: 7001}, 0, nil, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := svc.Register("nlu", Endpoint{Host: "secondary", Port: 7002}, 0, nil, "")
	if !errors.Is(err, ErrNameTaken) {
		t.Errorf("expected ErrNameTaken, got %v", err)
	}
}

func TestRegisterDisplacesStaleEntry(t *testing.T) {
	svc, clk := newTestService(NewMemoryStore())

	if _, err := svc.Register("nlu", Endpoint{Host: "primary", Port: 7001}, 0, nil, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	clk.advance(5 * time.Minute) // well past heartbeat TTL

	if _, err := svc.Register("nlu", Endpoint{Host: "secondary", Port: 7002}, 0, nil, ""); err != nil {
		t.Fatalf("register over stale entry: %v", err)
	}
	entry, err := svc.Resolve("nlu")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if entry.Host != "secondary" {
		t.Errorf("stale entry not displaced, host = %s", entry.Host)
	}
}

func TestResolveNotFoundAndUnreachable(t *testing.T) {
	svc, clk := newTestService(NewMemoryStore())

	if _, err := svc.Resolve("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	token, _ := svc.Register("tts", Endpoint{Host: "primary", Port: 7005}, 0, nil, "")
	clk.advance(2 * time.Minute)

	if _, err := svc.Resolve("tts"); !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable after TTL, got %v", err)
	}

	// A heartbeat revives the entry.
	if err := svc.Heartbeat(token, HealthSnapshot{State: "ok"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := svc.Resolve("tts"); err != nil {
		t.Errorf("resolve after heartbeat: %v", err)
	}
}

func TestSweepRetainsThenDeletes(t *testing.T) {
	svc, clk := newTestService(NewMemoryStore())
	ctx := context.Background()

	svc.Register("face", Endpoint{Host: "secondary", Port: 7010}, 0, nil, "")

	// Past TTL but inside retention: entry survives the sweep for forensics.
	clk.advance(10 * time.Minute)
	if err := svc.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	entries, _ := svc.List(Filter{})
	if len(entries) != 1 {
		t.Fatalf("entry deleted inside retention window, got %d entries", len(entries))
	}

	// Past retention: deleted.
	clk.advance(time.Hour)
	if err := svc.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	entries, _ = svc.List(Filter{})
	if len(entries) != 0 {
		t.Fatalf("expired entry not removed, got %d entries", len(entries))
	}
}

func TestListFilters(t *testing.T) {
	svc, clk := newTestService(NewMemoryStore())

	svc.Register("asr-a", Endpoint{Host: "primary", Port: 7001}, 0, []string{"asr"}, "")
	svc.Register("asr-b", Endpoint{Host: "secondary", Port: 7002}, 0, []string{"asr"}, "")
	svc.Register("tts", Endpoint{Host: "primary", Port: 7003}, 0, []string{"tts"}, "")

	byCap, _ := svc.List(Filter{Capability: "asr"})
	if len(byCap) != 2 {
		t.Errorf("capability filter: got %d, want 2", len(byCap))
	}
	if byCap[0].Name != "asr-a" || byCap[1].Name != "asr-b" {
		t.Errorf("list not sorted by name: %v", byCap)
	}

	byHost, _ := svc.List(Filter{Host: "primary"})
	if len(byHost) != 2 {
		t.Errorf("host filter: got %d, want 2", len(byHost))
	}

	clk.advance(2 * time.Minute)
	stale, _ := svc.List(Filter{Liveness: LivenessUnreachable})
	if len(stale) != 3 {
		t.Errorf("liveness filter: got %d, want 3", len(stale))
	}
}

func TestDeregister(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())

	token, _ := svc.Register("vision", Endpoint{Host: "secondary", Port: 7020}, 0, nil, "")
	if err := svc.Deregister(token); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if _, err := svc.Resolve("vision"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after deregister, got %v", err)
	}
	if err := svc.Deregister(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken on reuse, got %v", err)
	}
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer store.Close()

	svc, _ := newTestService(store)
	if _, err := svc.Register("memory-store", Endpoint{Host: "primary", Port: 7030}, 0, []string{"memory"}, "2.1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	entry, err := svc.Resolve("memory-store")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if entry.Version != "2.1" {
		t.Errorf("version = %q", entry.Version)
	}

	entries, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("badger list: got %d entries", len(entries))
	}
}
