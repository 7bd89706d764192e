// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package hub is the observability aggregation point: it subscribes to the
// error bus and the health topic, maintains rolling per-agent metrics and
// a bounded event ring, samples machine resources, and serves everything
// to dashboards through fan-out subscriptions. Events for a slow subscriber
// whose buffer is full are dropped rather than allowed to backpressure the
// feed; the subscriber itself stays attached.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/errbus"
	"github.com/tomtom215/meridian/internal/health"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/transport"
)

// Event types on the feed.
const (
	EventError     = "error"
	EventHealth    = "health"
	EventResources = "resources"
)

// Event is one feed entry.
type Event struct {
	Type      string             `json:"type"`
	At        time.Time          `json:"at"`
	Error     *errbus.Record     `json:"error,omitempty"`
	Health    *health.Snapshot   `json:"health,omitempty"`
	Resources *ResourceSnapshot  `json:"resources,omitempty"`
}

// Snapshot is the hub's aggregate view, served to dashboards and the peer.
type Snapshot struct {
	Host            string         `json:"host"`
	Agents          []AgentStats   `json:"agents"`
	HealthHistogram map[string]int `json:"health_histogram"`
	Resources       ResourceSnapshot `json:"resources"`
	GeneratedAt     time.Time      `json:"generated_at"`

	// Peer carries the other node's snapshot when aggregation succeeds.
	Peer *Snapshot `json:"peer,omitempty"`
}

// PeerSubject is the hub snapshot subject for a host.
func PeerSubject(host string) string {
	return "meridian.hub." + host
}

// Config tunes the hub.
type Config struct {
	// LocalHost names this node in snapshots.
	LocalHost string

	// PeerHost, when set, is queried for aggregation.
	PeerHost string

	// RingSize bounds the event feed ring. Default: 1024
	RingSize int

	// StatsWindow is the rolling metrics window. Default: 5m
	StatsWindow time.Duration

	// ResourceInterval is the resource sample cadence. Default: 5s
	ResourceInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RingSize <= 0 {
		c.RingSize = 1024
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = 5 * time.Minute
	}
	if c.ResourceInterval <= 0 {
		c.ResourceInterval = 5 * time.Second
	}
	return c
}

// Hub aggregates observability state for one node.
type Hub struct {
	cfg       Config
	localHost string
	t         transport.Transport
	vram      VRAMSource
	stats     *statsBook

	mu            sync.Mutex
	ring          []Event
	ringNext      int
	ringFull      bool
	subscribers   map[int]chan Event
	nextSubID     int
	lastResources ResourceSnapshot
}

// New creates a hub.
func New(cfg Config, t transport.Transport, vram VRAMSource) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		cfg:         cfg,
		localHost:   cfg.LocalHost,
		t:           t,
		vram:        vram,
		stats:       newStatsBook(cfg.StatsWindow),
		ring:        make([]Event, cfg.RingSize),
		subscribers: make(map[int]chan Event),
	}
}

// Run consumes the error bus and health topic, samples resources, and
// serves peer snapshot requests until ctx is canceled. Wrapped as a suture
// service by the supervisor.
func (h *Hub) Run(ctx context.Context) error {
	errRecords, errStop, err := errbus.Subscribe(ctx, h.t)
	if err != nil {
		return err
	}
	defer errStop.Close()

	healthSnaps, healthStop, err := health.SubscribeSnapshots(ctx, h.t)
	if err != nil {
		return err
	}
	defer healthStop()

	peerCloser, err := h.t.Serve(PeerSubject(h.localHost), h.handlePeerQuery)
	if err != nil {
		return err
	}
	defer peerCloser.Close()

	go h.runResourceSampler(ctx, h.cfg.ResourceInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-errRecords:
			if !ok {
				return ctx.Err()
			}
			h.ObserveError(rec)
		case snap, ok := <-healthSnaps:
			if !ok {
				return ctx.Err()
			}
			h.ObserveHealth(snap)
		}
	}
}

// ObserveError folds one error record into the feed.
func (h *Hub) ObserveError(rec errbus.Record) {
	h.stats.observeRequest(rec.SourceAgent, 0, true)
	h.emit(Event{Type: EventError, Error: &rec, At: rec.OccurredAt})
}

// ObserveHealth folds one health snapshot into the feed.
func (h *Hub) ObserveHealth(snap health.Snapshot) {
	h.stats.observeHealth(snap.Agent, string(snap.State))
	h.emit(Event{Type: EventHealth, Health: &snap, At: snap.ProbedAt})
}

// ObserveRequest records one completed downstream request into the
// per-agent rolling stats.
func (h *Hub) ObserveRequest(agent string, latency time.Duration, failed bool) {
	h.stats.observeRequest(agent, float64(latency.Milliseconds()), failed)
}

// emit appends to the ring and fans out to subscribers, dropping events
// for any subscriber whose buffer is full.
func (h *Hub) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.Lock()
	h.ring[h.ringNext] = ev
	h.ringNext = (h.ringNext + 1) % len(h.ring)
	if h.ringNext == 0 {
		h.ringFull = true
	}
	subs := make([]chan Event, 0, len(h.subscribers))
	for _, ch := range h.subscribers {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Slow consumer: drop, never block the feed.
		}
	}
}

// Subscribe attaches a feed consumer. Cancel releases it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.subscribers[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// Recent returns the ring contents, oldest first.
func (h *Hub) Recent() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.ringFull {
		out := make([]Event, h.ringNext)
		copy(out, h.ring[:h.ringNext])
		return out
	}
	out := make([]Event, 0, len(h.ring))
	out = append(out, h.ring[h.ringNext:]...)
	out = append(out, h.ring[:h.ringNext]...)
	return out
}

// Local returns this node's snapshot.
func (h *Hub) Local() Snapshot {
	h.mu.Lock()
	resources := h.lastResources
	h.mu.Unlock()

	return Snapshot{
		Host:            h.localHost,
		Agents:          h.stats.snapshot(),
		HealthHistogram: h.stats.healthHistogram(),
		Resources:       resources,
		GeneratedAt:     time.Now(),
	}
}

// Aggregate returns the local snapshot joined with the peer's when a peer
// hub is configured and reachable; otherwise local only.
func (h *Hub) Aggregate(ctx context.Context) Snapshot {
	snap := h.Local()
	if h.cfg.PeerHost == "" {
		return snap
	}

	env, err := transport.NewEnvelope(h.localHost, "hub_snapshot", nil)
	if err != nil {
		return snap
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	reply, err := h.t.Request(reqCtx, PeerSubject(h.cfg.PeerHost), env)
	if err != nil {
		logging.Debug().Err(err).Str("peer", h.cfg.PeerHost).Msg("peer hub unreachable, reporting local only")
		return snap
	}
	var peer Snapshot
	if err := json.Unmarshal(reply.Payload, &peer); err != nil {
		return snap
	}
	peer.Peer = nil // no recursive nesting
	snap.Peer = &peer
	return snap
}

// handlePeerQuery serves this node's snapshot to the peer hub.
func (h *Hub) handlePeerQuery(_ context.Context, req transport.Envelope) (transport.Envelope, error) {
	return req.Reply(h.localHost, "hub_snapshot_reply", h.Local())
}
