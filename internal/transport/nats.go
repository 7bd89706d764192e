// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
)

// NATSConfig holds NATS transport configuration.
type NATSConfig struct {
	// URL is the broker address, e.g. nats://127.0.0.1:4222.
	URL string

	// QueueGroup load-balances Serve handlers across instances.
	// Default: meridian
	QueueGroup string

	// ReconnectMax caps the reconnect backoff. Default: 30s
	ReconnectMax time.Duration

	// RequestTimeout bounds requests whose context has no deadline.
	// Default: 30s
	RequestTimeout time.Duration
}

// DefaultNATSConfig returns production defaults for the given URL.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:            url,
		QueueGroup:     "meridian",
		ReconnectMax:   30 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// NATS is the production transport: request/reply over core NATS,
// publish/subscribe over Watermill JetStream.
type NATS struct {
	conn   *natsgo.Conn
	cfg    NATSConfig
	wmLog  watermill.LoggerAdapter
	pub    message.Publisher
	mu     sync.Mutex
	subs   []io.Closer
	closed bool
}

// NewNATS connects to the broker and builds the Watermill publisher.
// Reconnection is automatic with exponential backoff capped by
// cfg.ReconnectMax; requests issued while disconnected fail with
// ErrPeerUnreachable.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "meridian"
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = 250 * time.Millisecond
	reconnect.MaxInterval = cfg.ReconnectMax
	reconnect.MaxElapsedTime = 0 // retry forever

	conn, err := natsgo.Connect(cfg.URL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.CustomReconnectDelay(func(int) time.Duration {
			return reconnect.NextBackOff()
		}),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			reconnect.Reset()
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	wmLog := watermill.NopLogger{}
	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL: cfg.URL,
		NatsOptions: []natsgo.Option{
			natsgo.RetryOnFailedConnect(true),
			natsgo.MaxReconnects(-1),
			natsgo.ReconnectWait(2 * time.Second),
		},
		Marshaler: &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, wmLog)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	return &NATS{conn: conn, cfg: cfg, wmLog: wmLog, pub: pub}, nil
}

// Request implements Transport.
func (t *NATS) Request(ctx context.Context, subject string, env Envelope) (Envelope, error) {
	if t.conn.Status() != natsgo.CONNECTED {
		return Envelope{}, ErrPeerUnreachable
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.RequestTimeout)
		defer cancel()
	}
	env = StampDeadline(ctx, env)

	data, err := marshalEnvelope(env)
	if err != nil {
		return Envelope{}, err
	}

	start := time.Now()
	msg, err := t.conn.RequestWithContext(ctx, subject, data)
	metrics.TransportRequestDuration.WithLabelValues(subject).Observe(time.Since(start).Seconds())
	if err != nil {
		switch {
		case errors.Is(err, natsgo.ErrNoResponders), errors.Is(err, natsgo.ErrConnectionClosed):
			return Envelope{}, fmt.Errorf("%w: %s", ErrPeerUnreachable, subject)
		case errors.Is(err, context.DeadlineExceeded):
			return Envelope{}, ErrTimeout
		case errors.Is(err, context.Canceled):
			return Envelope{}, ErrCanceled
		default:
			return Envelope{}, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
		}
	}

	reply, err := unmarshalEnvelope(msg.Data)
	if err != nil {
		return Envelope{}, err
	}
	return reply, nil
}

// Serve implements Transport. Handlers run one goroutine per inbound
// message; panics are contained and dropped as protocol errors.
func (t *NATS) Serve(subject string, h Handler) (io.Closer, error) {
	sub, err := t.conn.QueueSubscribe(subject, t.cfg.QueueGroup, func(msg *natsgo.Msg) {
		env, err := unmarshalEnvelope(msg.Data)
		if err != nil {
			metrics.TransportProtocolErrors.Inc()
			logging.Warn().Err(err).Str("subject", subject).Msg("dropping malformed request")
			return
		}

		go func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error().Interface("panic", r).Str("subject", subject).Msg("handler panicked")
				}
			}()

			hctx, cancel := HandlerContext(context.Background(), env)
			defer cancel()

			reply, err := h(hctx, env)
			if err != nil {
				logging.Warn().Err(err).Str("subject", subject).Str("request_id", env.RequestID).
					Msg("handler failed, no reply sent")
				return
			}
			data, err := marshalEnvelope(reply)
			if err != nil {
				logging.Error().Err(err).Str("subject", subject).Msg("marshal reply")
				return
			}
			if err := msg.Respond(data); err != nil {
				logging.Warn().Err(err).Str("subject", subject).Msg("send reply")
			}
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	return closerFunc(func() error { return sub.Unsubscribe() }), nil
}

// Publish implements Transport.
func (t *NATS) Publish(_ context.Context, topic string, env Envelope) error {
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	msg := message.NewMessage(env.RequestID, data)
	// Message UUID doubles as Nats-Msg-Id for JetStream deduplication.
	msg.Metadata.Set(natsgo.MsgIdHdr, env.RequestID)
	if err := t.pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrPeerUnreachable, topic, err)
	}
	metrics.TransportPublishes.WithLabelValues(topic).Inc()
	return nil
}

// Subscribe implements Transport. Each subscription gets its own Watermill
// JetStream subscriber so closing one does not disturb the others.
func (t *NATS) Subscribe(ctx context.Context, topic string) (<-chan Envelope, io.Closer, error) {
	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              t.cfg.URL,
		QueueGroupPrefix: "", // broadcast: every subscriber sees every message
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     10 * time.Second,
		NatsOptions: []natsgo.Option{
			natsgo.RetryOnFailedConnect(true),
			natsgo.MaxReconnects(-1),
			natsgo.ReconnectWait(2 * time.Second),
		},
		Unmarshaler: &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.DeliverNew(),
			},
		},
	}, t.wmLog)
	if err != nil {
		return nil, nil, fmt.Errorf("create subscriber for %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := sub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan Envelope, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			env, err := unmarshalEnvelope(msg.Payload)
			msg.Ack()
			if err != nil {
				metrics.TransportProtocolErrors.Inc()
				continue
			}
			select {
			case out <- env:
			case <-subCtx.Done():
				return
			}
		}
	}()

	closer := closerFunc(func() error {
		cancel()
		return sub.Close()
	})
	t.mu.Lock()
	t.subs = append(t.subs, closer)
	t.mu.Unlock()
	return out, closer, nil
}

// Close implements Transport.
func (t *NATS) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	err := t.pub.Close()
	t.conn.Close()
	return err
}
