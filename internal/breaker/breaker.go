// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package breaker implements the per-endpoint circuit breaker: a
// closed/open/half-open state machine over a sliding window of recent
// outcomes. The open duration doubles on each failed half-open probe up to
// a cap, and a half-open breaker admits exactly one probe at a time.
//
// gobreaker (used elsewhere in this repo for the peer link) counts outcomes
// since an interval reset and holds a fixed open timeout; the endpoint
// breakers need a fixed-size outcome window and an adaptive open duration,
// so they are implemented here.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
)

// ErrCircuitOpen is returned by Allow while the endpoint is isolated.
var ErrCircuitOpen = errors.New("circuit open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker tuning.
type Config struct {
	// WindowSize is the number of recent outcomes considered. Default: 20
	WindowSize int

	// OpenThreshold is the failure ratio that trips the breaker. Default: 0.5
	OpenThreshold float64

	// MinSamples is the minimum outcomes in the window before the breaker
	// may trip. Default: 5
	MinSamples int

	// OpenDuration is the initial isolation period. Default: 30s
	OpenDuration time.Duration

	// MaxOpenDuration caps the doubled isolation period. Default: 5m
	MaxOpenDuration time.Duration

	// HalfOpenSuccesses is the consecutive successes required to close.
	// Default: 3
	HalfOpenSuccesses int
}

// DefaultConfig returns the defaults from the runtime's breaker policy.
func DefaultConfig() Config {
	return Config{
		WindowSize:        20,
		OpenThreshold:     0.5,
		MinSamples:        5,
		OpenDuration:      30 * time.Second,
		MaxOpenDuration:   5 * time.Minute,
		HalfOpenSuccesses: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.OpenThreshold <= 0 {
		c.OpenThreshold = d.OpenThreshold
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = d.OpenDuration
	}
	if c.MaxOpenDuration <= 0 {
		c.MaxOpenDuration = d.MaxOpenDuration
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = d.HalfOpenSuccesses
	}
	return c
}

// Breaker is a single endpoint's state machine. All methods are safe for
// concurrent use.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu              sync.Mutex
	state           State
	window          []bool // true = failure
	head            int
	count           int
	failures        int
	openedAt        time.Time
	openDuration    time.Duration
	halfOpenStreak int
	probeInFlight  bool
}

// New creates a breaker for the named endpoint.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		name:         name,
		cfg:          cfg,
		now:          time.Now,
		window:       make([]bool, cfg.WindowSize),
		openDuration: cfg.OpenDuration,
	}
}

// SetClock replaces the time source, for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// State returns the current state, accounting for open-duration expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.openDuration {
		return HalfOpen
	}
	return b.state
}

// Allow reports whether a request may proceed. An Open breaker whose
// isolation period has elapsed transitions to HalfOpen and admits a single
// probe; concurrent callers are rejected until that probe's outcome is
// recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.openDuration {
			metrics.BreakerRejections.WithLabelValues(b.name).Inc()
			return ErrCircuitOpen
		}
		b.transition(HalfOpen)
		b.halfOpenStreak = 0
		b.probeInFlight = true
		return nil
	case HalfOpen:
		if b.probeInFlight {
			metrics.BreakerRejections.WithLabelValues(b.name).Inc()
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// Record feeds an outcome into the state machine. Outcomes recorded while
// the breaker is open are ignored; recovery is detected only through the
// half-open trial requests that Allow admits after the isolation period.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.push(!success)
		if b.count >= b.cfg.MinSamples && b.ratio() >= b.cfg.OpenThreshold {
			b.trip()
		}
	case HalfOpen:
		b.probeInFlight = false
		if success {
			b.halfOpenStreak++
			if b.halfOpenStreak >= b.cfg.HalfOpenSuccesses {
				b.close()
			}
			return
		}
		// A failed probe re-opens and doubles the isolation period.
		b.openDuration = min(b.openDuration*2, b.cfg.MaxOpenDuration)
		b.state = Open
		b.openedAt = b.now()
		b.transitionMetric(Open)
	case Open:
		// Late results from requests in flight before the trip. Ignored:
		// the window restarts when the breaker closes again.
	}
}

// Do runs fn under breaker protection, recording the outcome.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(err == nil)
	return err
}

// Snapshot reports the counters for observability.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:         b.name,
		State:        b.state,
		Samples:      b.count,
		Failures:     b.failures,
		OpenedAt:     b.openedAt,
		OpenDuration: b.openDuration,
	}
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name         string        `json:"name"`
	State        State         `json:"-"`
	StateName    string        `json:"state"`
	Samples      int           `json:"samples"`
	Failures     int           `json:"failures"`
	OpenedAt     time.Time     `json:"opened_at,omitempty"`
	OpenDuration time.Duration `json:"open_duration,omitempty"`
}

// push records one outcome in the ring (mu held).
func (b *Breaker) push(failure bool) {
	if b.count == len(b.window) {
		if b.window[b.head] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.window[b.head] = failure
	if failure {
		b.failures++
	}
	b.head = (b.head + 1) % len(b.window)
}

// ratio returns the failure ratio over the window (mu held).
func (b *Breaker) ratio() float64 {
	if b.count == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.count)
}

// trip moves Closed → Open (mu held).
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.transitionMetric(Open)
	logging.Warn().Str("endpoint", b.name).
		Int("failures", b.failures).Int("samples", b.count).
		Dur("open_duration", b.openDuration).
		Msg("circuit opened")
}

// close resets to Closed with a fresh window (mu held).
func (b *Breaker) close() {
	b.state = Closed
	b.count = 0
	b.failures = 0
	b.head = 0
	for i := range b.window {
		b.window[i] = false
	}
	b.openDuration = b.cfg.OpenDuration
	b.probeInFlight = false
	b.transitionMetric(Closed)
	logging.Info().Str("endpoint", b.name).Msg("circuit closed")
}

// transition changes state and records the metric (mu held).
func (b *Breaker) transition(to State) {
	b.state = to
	b.transitionMetric(to)
}

func (b *Breaker) transitionMetric(to State) {
	metrics.BreakerTransitions.WithLabelValues(b.name, to.String()).Inc()
}
