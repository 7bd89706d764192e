// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package transport abstracts the message-passing substrate used by every
// Meridian component: typed request/reply, best-effort publish/subscribe,
// and ordered one-way streams.
//
// Two implementations exist. The NATS transport rides nats.go request/reply
// and Watermill JetStream publishers and is what production deployments use;
// the in-memory transport backs unit tests and single-process runs. Nothing
// outside this package names a concrete substrate.
//
// Every outbound request carries a request id, the sender name, and a
// deadline. Deadlines propagate: a handler receives a context derived from
// the envelope's deadline and must not issue downstream requests that
// outlive it.
package transport
