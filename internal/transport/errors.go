// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package transport

import (
	"context"
	"errors"
	"fmt"
)

// Transport failure kinds. Callers branch on these with errors.Is; the
// concrete substrate error stays wrapped underneath for logging.
var (
	// ErrTimeout indicates the reply did not arrive before the deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrPeerUnreachable indicates no endpoint is serving the subject, or
	// the substrate connection is down (including during reconnect).
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrProtocolError indicates a malformed message. Handlers log and drop.
	ErrProtocolError = errors.New("protocol error")

	// ErrCanceled indicates the caller canceled the request.
	ErrCanceled = errors.New("request canceled")

	// ErrClosed indicates the transport has been shut down.
	ErrClosed = errors.New("transport closed")
)

// Kind is the coarse classification of a transport failure, used in error
// bus records and metrics labels.
type Kind string

const (
	KindTimeout         Kind = "Timeout"
	KindPeerUnreachable Kind = "PeerUnreachable"
	KindProtocolError   Kind = "ProtocolError"
	KindCanceled        Kind = "Canceled"
	KindUnknown         Kind = "Unknown"
)

// KindOf classifies an error returned by a transport operation.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrPeerUnreachable), errors.Is(err, ErrClosed):
		return KindPeerUnreachable
	case errors.Is(err, ErrProtocolError):
		return KindProtocolError
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUnknown
	}
}

// protocolErrorf wraps ErrProtocolError with detail.
func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolError, fmt.Sprintf(format, args...))
}

// classifyCtxErr maps a context failure onto the transport taxonomy.
func classifyCtxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrCanceled
}
