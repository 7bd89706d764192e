// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package transport

import (
	"context"
	"io"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Stream frames ride the pub/sub layer on a per-stream topic. Audio frames
// and token streams use this channel kind.
const (
	streamKindFrame = "stream_frame"
	streamKindEnd   = "stream_end"
	streamKindReset = "stream_reset"
)

// StreamFrame is one element of an ordered one-way sequence.
type StreamFrame struct {
	Seq  uint64 `json:"seq"`
	Data []byte `json:"data,omitempty"`

	// End marks a clean termination; Reset marks an abnormal one. After
	// either, no further frames are delivered for the stream.
	End   bool `json:"end,omitempty"`
	Reset bool `json:"reset,omitempty"`
}

// StreamWriter is the producing end of a stream.
type StreamWriter struct {
	t      Transport
	topic  string
	sender string

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// OpenStream creates a stream writer on the given topic. The topic should
// be unique to the stream; ID-suffixed topics (`voice.tts.<uuid>`) are the
// convention.
func OpenStream(t Transport, sender, topic string) *StreamWriter {
	return &StreamWriter{t: t, topic: topic, sender: sender}
}

// NewStreamTopic returns a unique stream topic under the given prefix.
func NewStreamTopic(prefix string) string {
	return prefix + "." + uuid.NewString()
}

// Send appends one frame to the stream.
func (w *StreamWriter) Send(ctx context.Context, data []byte) error {
	return w.send(ctx, StreamFrame{Data: data}, streamKindFrame)
}

// CloseSend terminates the stream cleanly.
func (w *StreamWriter) CloseSend(ctx context.Context) error {
	return w.send(ctx, StreamFrame{End: true}, streamKindEnd)
}

// Abort terminates the stream with a reset.
func (w *StreamWriter) Abort(ctx context.Context) error {
	return w.send(ctx, StreamFrame{Reset: true}, streamKindReset)
}

func (w *StreamWriter) send(ctx context.Context, frame StreamFrame, kind string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	frame.Seq = w.seq
	w.seq++
	if frame.End || frame.Reset {
		w.closed = true
	}
	w.mu.Unlock()

	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	env := Envelope{
		RequestID:  uuid.NewString(),
		SenderName: w.sender,
		Kind:       kind,
		Payload:    payload,
	}
	return w.t.Publish(ctx, w.topic, env)
}

// SubscribeStream consumes a stream. The returned channel closes after an
// End or Reset frame, or when the context is canceled. A sequence gap is
// surfaced as a synthetic Reset: the substrate is ordered, so a gap means
// the producer died mid-stream.
func SubscribeStream(ctx context.Context, t Transport, topic string) (<-chan StreamFrame, io.Closer, error) {
	envs, closer, err := t.Subscribe(ctx, topic)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan StreamFrame, 64)
	go func() {
		defer close(out)
		var next uint64
		for env := range envs {
			var frame StreamFrame
			if err := json.Unmarshal(env.Payload, &frame); err != nil {
				continue
			}
			if frame.Seq != next {
				out <- StreamFrame{Seq: next, Reset: true}
				return
			}
			next++

			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
			if frame.End || frame.Reset {
				return
			}
		}
	}()

	return out, closer, nil
}
