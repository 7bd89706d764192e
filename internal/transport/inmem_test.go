// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryRequestReply(t *testing.T) {
	tr := NewInMemory()
	defer tr.Close()

	closer, err := tr.Serve("svc.echo", func(_ context.Context, req Envelope) (Envelope, error) {
		return req.Reply("echo", "echo_reply", map[string]string{"got": req.Kind})
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer closer.Close()

	env, err := NewEnvelope("client", "ping", nil)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	reply, err := tr.Request(context.Background(), "svc.echo", env)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.RequestID != env.RequestID {
		t.Errorf("request id not preserved: sent %s got %s", env.RequestID, reply.RequestID)
	}

	var body map[string]string
	if err := reply.Decode(&body); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if body["got"] != "ping" {
		t.Errorf("expected kind echo, got %q", body["got"])
	}
}

func TestInMemoryUnknownSubject(t *testing.T) {
	tr := NewInMemory()
	defer tr.Close()

	env, _ := NewEnvelope("client", "ping", nil)
	_, err := tr.Request(context.Background(), "svc.missing", env)
	if !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("expected ErrPeerUnreachable, got %v", err)
	}
}

func TestInMemoryTimeout(t *testing.T) {
	tr := NewInMemory()
	defer tr.Close()

	_, err := tr.Serve("svc.slow", func(ctx context.Context, req Envelope) (Envelope, error) {
		<-ctx.Done()
		return Envelope{}, ctx.Err()
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	env, _ := NewEnvelope("client", "ping", nil)
	_, err = tr.Request(ctx, "svc.slow", env)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestInMemoryCancellation(t *testing.T) {
	tr := NewInMemory()
	defer tr.Close()

	started := make(chan struct{})
	_, err := tr.Serve("svc.block", func(ctx context.Context, req Envelope) (Envelope, error) {
		close(started)
		<-ctx.Done()
		return Envelope{}, ctx.Err()
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	env, _ := NewEnvelope("client", "ping", nil)
	_, err = tr.Request(ctx, "svc.block", env)
	if !errors.Is(err, ErrCanceled) {
		t.Errorf("expected ErrCanceled, got %v", err)
	}
}

func TestDeadlinePropagation(t *testing.T) {
	t.Run("context deadline stamps envelope", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		env := StampDeadline(ctx, Envelope{})
		if env.DeadlineUnixMS == 0 {
			t.Fatal("deadline not stamped")
		}
		if env.Deadline().After(time.Now().Add(time.Second + 50*time.Millisecond)) {
			t.Error("stamped deadline exceeds context deadline")
		}
	})

	t.Run("never extends an existing deadline", func(t *testing.T) {
		parent := time.Now().Add(100 * time.Millisecond).UnixMilli()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		env := StampDeadline(ctx, Envelope{DeadlineUnixMS: parent})
		if env.DeadlineUnixMS != parent {
			t.Errorf("deadline moved from %d to %d", parent, env.DeadlineUnixMS)
		}
	})

	t.Run("tightens a looser deadline", func(t *testing.T) {
		parent := time.Now().Add(10 * time.Second).UnixMilli()
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		env := StampDeadline(ctx, Envelope{DeadlineUnixMS: parent})
		if env.DeadlineUnixMS >= parent {
			t.Error("deadline should have been tightened")
		}
	})

	t.Run("handler context honors envelope deadline", func(t *testing.T) {
		env := Envelope{DeadlineUnixMS: time.Now().Add(time.Hour).UnixMilli()}
		ctx, cancel := HandlerContext(context.Background(), env)
		defer cancel()

		d, ok := ctx.Deadline()
		if !ok {
			t.Fatal("handler context has no deadline")
		}
		if !d.Equal(env.Deadline()) {
			t.Errorf("handler deadline %v != envelope deadline %v", d, env.Deadline())
		}
	})
}

func TestInMemoryPubSub(t *testing.T) {
	tr := NewInMemory()
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	envs, closer, err := tr.Subscribe(ctx, "events.test")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer closer.Close()

	want, _ := NewEnvelope("pub", "event", map[string]int{"n": 7})
	if err := tr.Publish(ctx, "events.test", want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-envs:
		if got.RequestID != want.RequestID {
			t.Errorf("request id mismatch: %s vs %s", got.RequestID, want.RequestID)
		}
	case <-ctx.Done():
		t.Fatal("no message delivered")
	}
}

func TestClosedTransportRejects(t *testing.T) {
	tr := NewInMemory()
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	env, _ := NewEnvelope("client", "ping", nil)
	if _, err := tr.Request(context.Background(), "x", env); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on request, got %v", err)
	}
	if _, err := tr.Serve("x", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on serve, got %v", err)
	}
}
