// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package hub

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/meridian/internal/errbus"
	"github.com/tomtom215/meridian/internal/health"
	"github.com/tomtom215/meridian/internal/transport"
	"github.com/tomtom215/meridian/internal/vram"
)

func newTestHub(t *testing.T) (*Hub, *transport.InMemory) {
	t.Helper()
	tr := transport.NewInMemory()
	t.Cleanup(func() { tr.Close() })
	h := New(Config{LocalHost: "primary", RingSize: 8}, tr, vram.New(1000))
	return h, tr
}

func TestRingBufferKeepsLatest(t *testing.T) {
	h, _ := newTestHub(t)

	for i := 0; i < 12; i++ {
		h.ObserveError(errbus.Record{
			SourceAgent: "agent",
			Kind:        "Timeout",
			Message:     string(rune('a' + i)),
			OccurredAt:  time.Unix(int64(i), 0),
		})
	}

	recent := h.Recent()
	if len(recent) != 8 {
		t.Fatalf("ring holds %d events, want 8", len(recent))
	}
	// Oldest retained event is #4 (12 emitted, ring of 8).
	if recent[0].Error.Message != "e" {
		t.Errorf("oldest = %q, want e", recent[0].Error.Message)
	}
	if recent[7].Error.Message != "l" {
		t.Errorf("newest = %q, want l", recent[7].Error.Message)
	}
}

func TestSubscriberFanOut(t *testing.T) {
	h, _ := newTestHub(t)

	ch1, cancel1 := h.Subscribe()
	defer cancel1()
	ch2, cancel2 := h.Subscribe()
	defer cancel2()

	h.ObserveHealth(health.Snapshot{Agent: "asr", State: health.StateDegraded, ProbedAt: time.Now()})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != EventHealth || ev.Health.Agent != "asr" {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestSlowSubscriberDoesNotBlockEmit(t *testing.T) {
	h, _ := newTestHub(t)

	_, cancel := h.Subscribe() // never drained
	defer cancel()

	// Overflow the subscriber buffer; emit must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			h.ObserveError(errbus.Record{SourceAgent: "x", Kind: "Timeout", OccurredAt: time.Now()})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a slow subscriber")
	}
}

func TestStatsAggregation(t *testing.T) {
	h, _ := newTestHub(t)

	for i := 0; i < 8; i++ {
		h.ObserveRequest("nlu", time.Duration(10+i)*time.Millisecond, false)
	}
	h.ObserveRequest("nlu", 500*time.Millisecond, true)
	h.ObserveHealth(health.Snapshot{Agent: "nlu", State: health.StateHealthy, ProbedAt: time.Now()})

	snap := h.Local()
	if len(snap.Agents) != 1 {
		t.Fatalf("agents = %d", len(snap.Agents))
	}
	stats := snap.Agents[0]
	if stats.Agent != "nlu" {
		t.Errorf("agent = %s", stats.Agent)
	}
	if stats.ErrorRate <= 0 || stats.ErrorRate >= 0.5 {
		t.Errorf("error rate = %f", stats.ErrorRate)
	}
	if stats.P95MS < stats.P50MS {
		t.Errorf("p95 %f < p50 %f", stats.P95MS, stats.P50MS)
	}
	if snap.HealthHistogram["healthy"] != 1 {
		t.Errorf("histogram = %v", snap.HealthHistogram)
	}
}

func TestPeerAggregation(t *testing.T) {
	tr := transport.NewInMemory()
	defer tr.Close()

	primary := New(Config{LocalHost: "primary", PeerHost: "secondary"}, tr, vram.New(1000))
	secondary := New(Config{LocalHost: "secondary"}, tr, vram.New(500))

	// Serve the secondary's snapshot endpoint without running its full loop.
	closer, err := tr.Serve(PeerSubject("secondary"), secondary.handlePeerQuery)
	if err != nil {
		t.Fatalf("serve peer: %v", err)
	}
	defer closer.Close()

	secondary.ObserveHealth(health.Snapshot{Agent: "tts", State: health.StateHealthy, ProbedAt: time.Now()})

	snap := primary.Aggregate(context.Background())
	if snap.Peer == nil {
		t.Fatal("peer snapshot missing")
	}
	if snap.Peer.Host != "secondary" {
		t.Errorf("peer host = %s", snap.Peer.Host)
	}
	if snap.Peer.HealthHistogram["healthy"] != 1 {
		t.Errorf("peer histogram = %v", snap.Peer.HealthHistogram)
	}
}

func TestAggregateWithoutPeerReportsLocal(t *testing.T) {
	h, _ := newTestHub(t)
	snap := h.Aggregate(context.Background())
	if snap.Peer != nil {
		t.Error("no peer configured, snapshot must be local only")
	}
	if snap.Host != "primary" {
		t.Errorf("host = %s", snap.Host)
	}
}
