// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package transport

import (
	"context"
	"io"
)

// Handler serves one request. The context carries the client's deadline;
// returning an error produces no reply and the client observes a timeout,
// so handlers that want the client to see a failure should encode it in the
// reply payload instead.
type Handler func(ctx context.Context, req Envelope) (Envelope, error)

// Transport is the substrate-neutral fabric every component talks through.
//
// Request/reply delivers exactly one reply or fails with one of the
// package's error kinds. Publish/subscribe is best-effort with no
// per-subscriber backpressure guarantees beyond the substrate's. Streams
// are ordered one-way sequences built on top of publish/subscribe.
type Transport interface {
	// Request sends env to subject and waits for the reply or the context.
	Request(ctx context.Context, subject string, env Envelope) (Envelope, error)

	// Serve registers a handler for subject. Closing the returned Closer
	// unregisters it.
	Serve(subject string, h Handler) (io.Closer, error)

	// Publish sends env to topic, best-effort.
	Publish(ctx context.Context, topic string, env Envelope) error

	// Subscribe delivers topic envelopes until the context is canceled or
	// the Closer is closed. Malformed messages are dropped and counted.
	Subscribe(ctx context.Context, topic string) (<-chan Envelope, io.Closer, error)

	// Close tears the transport down. Pending requests fail with ErrClosed.
	Close() error
}

// closerFunc adapts a func to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }
