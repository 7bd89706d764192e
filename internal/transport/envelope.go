// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package transport

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Envelope is the unit of exchange on every channel kind. The payload is an
// opaque JSON document; Kind tags the request variant so receivers dispatch
// on a decoded value rather than sniffing the payload.
type Envelope struct {
	RequestID      string          `json:"request_id"`
	SenderName     string          `json:"sender_name"`
	DeadlineUnixMS int64           `json:"deadline_unix_ms,omitempty"`
	Kind           string          `json:"kind,omitempty"`
	Idempotent     bool            `json:"idempotent,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a fresh request id. The payload is
// marshaled immediately so encoding failures surface at the call site.
func NewEnvelope(sender, kind string, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = data
	}
	return Envelope{
		RequestID:  uuid.NewString(),
		SenderName: sender,
		Kind:       kind,
		Payload:    raw,
	}, nil
}

// Decode unmarshals the payload into v. A malformed payload is a protocol
// error, never a panic.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return ErrProtocolError
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return protocolErrorf("decode %s payload: %v", e.Kind, err)
	}
	return nil
}

// Deadline returns the envelope deadline, or zero time when unset.
func (e Envelope) Deadline() time.Time {
	if e.DeadlineUnixMS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.DeadlineUnixMS)
}

// StampDeadline applies the context deadline to the envelope, never moving
// an existing deadline later. This is the mechanism behind the rule that no
// downstream request outlives its parent.
func StampDeadline(ctx context.Context, env Envelope) Envelope {
	d, ok := ctx.Deadline()
	if !ok {
		return env
	}
	ms := d.UnixMilli()
	if env.DeadlineUnixMS == 0 || ms < env.DeadlineUnixMS {
		env.DeadlineUnixMS = ms
	}
	return env
}

// HandlerContext derives the server-side context for an inbound envelope.
// Work is aborted when the client's deadline passes even if the substrate
// delivery was late.
func HandlerContext(ctx context.Context, env Envelope) (context.Context, context.CancelFunc) {
	d := env.Deadline()
	if d.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, d)
}

// Reply builds a response envelope preserving the request id.
func (e Envelope) Reply(sender, kind string, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = data
	}
	return Envelope{
		RequestID:  e.RequestID,
		SenderName: sender,
		Kind:       kind,
		Payload:    raw,
	}, nil
}

// marshalEnvelope and unmarshalEnvelope are the single wire codec for both
// transports.
func marshalEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func unmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, protocolErrorf("malformed envelope: %v", err)
	}
	return env, nil
}
