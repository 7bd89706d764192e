// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package transport

import (
	"context"
	"io"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// InMemory is a process-local transport. Request/reply dispatches through a
// handler table; publish/subscribe rides Watermill's gochannel Pub/Sub so
// the delivery semantics match the NATS transport closely enough for tests
// to be trusted.
type InMemory struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool

	pubsub *gochannel.GoChannel
}

// NewInMemory creates an in-memory transport.
func NewInMemory() *InMemory {
	return &InMemory{
		handlers: make(map[string]Handler),
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, watermill.NopLogger{}),
	}
}

// Request implements Transport. A subject with no handler fails with
// ErrPeerUnreachable, mirroring a NATS no-responders reply.
func (t *InMemory) Request(ctx context.Context, subject string, env Envelope) (Envelope, error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return Envelope{}, ErrClosed
	}
	h, ok := t.handlers[subject]
	t.mu.RUnlock()
	if !ok {
		return Envelope{}, ErrPeerUnreachable
	}

	env = StampDeadline(ctx, env)
	hctx, cancel := HandlerContext(ctx, env)
	defer cancel()

	type result struct {
		reply Envelope
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := h(hctx, env)
		done <- result{reply, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return Envelope{}, r.err
		}
		return r.reply, nil
	case <-ctx.Done():
		return Envelope{}, classifyCtxErr(ctx)
	}
}

// Serve implements Transport.
func (t *InMemory) Serve(subject string, h Handler) (io.Closer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.handlers[subject] = h

	return closerFunc(func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers, subject)
		return nil
	}), nil
}

// Publish implements Transport.
func (t *InMemory) Publish(_ context.Context, topic string, env Envelope) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	t.mu.RUnlock()

	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	return t.pubsub.Publish(topic, message.NewMessage(env.RequestID, data))
}

// Subscribe implements Transport.
func (t *InMemory) Subscribe(ctx context.Context, topic string) (<-chan Envelope, io.Closer, error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	t.mu.RUnlock()

	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := t.pubsub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan Envelope, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			env, err := unmarshalEnvelope(msg.Payload)
			msg.Ack()
			if err != nil {
				continue
			}
			select {
			case out <- env:
			case <-subCtx.Done():
				return
			}
		}
	}()

	return out, closerFunc(func() error {
		cancel()
		return nil
	}), nil
}

// Close implements Transport.
func (t *InMemory) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handlers = make(map[string]Handler)
	t.mu.Unlock()
	return t.pubsub.Close()
}
