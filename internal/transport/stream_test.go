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

func collectFrames(t *testing.T, frames <-chan StreamFrame, timeout time.Duration) []StreamFrame {
	t.Helper()
	var got []StreamFrame
	deadline := time.After(timeout)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return got
			}
			got = append(got, f)
		case <-deadline:
			t.Fatalf("stream did not terminate, got %d frames", len(got))
		}
	}
}

func TestStreamOrderedDelivery(t *testing.T) {
	tr := NewInMemory()
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	topic := NewStreamTopic("audio.frames")
	frames, closer, err := SubscribeStream(ctx, tr, topic)
	if err != nil {
		t.Fatalf("subscribe stream: %v", err)
	}
	defer closer.Close()

	w := OpenStream(tr, "asr", topic)
	for _, chunk := range []string{"alpha", "beta", "gamma"} {
		if err := w.Send(ctx, []byte(chunk)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := w.CloseSend(ctx); err != nil {
		t.Fatalf("close send: %v", err)
	}

	got := collectFrames(t, frames, 2*time.Second)
	if len(got) != 4 {
		t.Fatalf("expected 3 frames + end, got %d", len(got))
	}
	for i, f := range got {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d has seq %d", i, f.Seq)
		}
	}
	if !got[3].End {
		t.Error("final frame should be End")
	}
	if string(got[1].Data) != "beta" {
		t.Errorf("frame 1 = %q", got[1].Data)
	}
}

func TestStreamWriterClosedAfterEnd(t *testing.T) {
	tr := NewInMemory()
	defer tr.Close()

	w := OpenStream(tr, "asr", NewStreamTopic("audio.frames"))
	ctx := context.Background()
	if err := w.CloseSend(ctx); err != nil {
		t.Fatalf("close send: %v", err)
	}
	if err := w.Send(ctx, []byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after end, got %v", err)
	}
}

func TestStreamAbortDeliversReset(t *testing.T) {
	tr := NewInMemory()
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	topic := NewStreamTopic("tokens")
	frames, closer, err := SubscribeStream(ctx, tr, topic)
	if err != nil {
		t.Fatalf("subscribe stream: %v", err)
	}
	defer closer.Close()

	w := OpenStream(tr, "llm", topic)
	if err := w.Send(ctx, []byte("tok")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := w.Abort(ctx); err != nil {
		t.Fatalf("abort: %v", err)
	}

	got := collectFrames(t, frames, 2*time.Second)
	if len(got) != 2 {
		t.Fatalf("expected frame + reset, got %d", len(got))
	}
	if !got[1].Reset {
		t.Error("final frame should be Reset")
	}
}
