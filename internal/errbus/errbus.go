// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package errbus is the process-wide error topic. Publication is
// non-blocking and best-effort: a rate limiter sheds excess records under
// overload rather than backpressuring the publisher. Subscribers are the
// observability hub and external monitors.
package errbus

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
	"github.com/tomtom215/meridian/internal/transport"
)

// Topic is the error bus subject on the fabric.
const Topic = "meridian.errors"

// Severity of an error record.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Record is a structured error publication.
type Record struct {
	SourceAgent string            `json:"source_agent"`
	Kind        string            `json:"kind"`
	Severity    Severity          `json:"severity"`
	Message     string            `json:"message"`
	Context     map[string]string `json:"context,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Bus publishes error records to the fabric.
type Bus struct {
	t       transport.Transport
	source  string
	limiter *rate.Limiter
}

// New creates a bus for the given source (this process's agent name).
// The default limit sheds beyond 200 records/s with a burst of 500.
func New(t transport.Transport, source string) *Bus {
	return &Bus{
		t:       t,
		source:  source,
		limiter: rate.NewLimiter(200, 500),
	}
}

// SetLimit replaces the shed policy, for tests and tuning.
func (b *Bus) SetLimit(r rate.Limit, burst int) {
	b.limiter = rate.NewLimiter(r, burst)
}

// Publish emits a record. It never blocks and never fails the caller:
// dropped and unroutable records are counted and locally logged only.
func (b *Bus) Publish(rec Record) {
	if rec.SourceAgent == "" {
		rec.SourceAgent = b.source
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}
	if rec.Severity == "" {
		rec.Severity = SeverityError
	}

	if !b.limiter.Allow() {
		metrics.ErrorBusDropped.Inc()
		return
	}

	env, err := transport.NewEnvelope(b.source, "error_record", rec)
	if err != nil {
		logging.Err(err).Msg("encode error record")
		return
	}
	if err := b.t.Publish(context.Background(), Topic, env); err != nil {
		metrics.ErrorBusDropped.Inc()
		logging.Debug().Err(err).Msg("error bus publish dropped")
		return
	}
	metrics.ErrorBusPublished.WithLabelValues(string(rec.Severity)).Inc()
}

// Publishf is shorthand for a record with only kind, severity and message.
func (b *Bus) Publishf(kind string, sev Severity, msg string) {
	b.Publish(Record{Kind: kind, Severity: sev, Message: msg})
}

// Subscribe delivers records published by any node on the fabric.
// Malformed records are dropped.
func Subscribe(ctx context.Context, t transport.Transport) (<-chan Record, io.Closer, error) {
	envs, closer, err := t.Subscribe(ctx, Topic)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Record, 128)
	go func() {
		defer close(out)
		for env := range envs {
			var rec Record
			if err := env.Decode(&rec); err != nil {
				continue
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, closer, nil
}
