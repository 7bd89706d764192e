// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package modelmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/transport"
)

// RemoteBackend forwards model operations to the peer node's model
// manager over the fabric. Used for models pinned to the other machine's
// accelerator.
type RemoteBackend struct {
	t       transport.Transport
	subject string
	sender  string
}

// NewRemoteBackend creates a remote_rpc adapter targeting the peer's
// model manager subject (see Subject in server.go; the peer uses the same
// constant with its own host qualifier).
func NewRemoteBackend(t transport.Transport, subject, sender string) *RemoteBackend {
	return &RemoteBackend{t: t, subject: subject, sender: sender}
}

// Describe implements Backend.
func (b *RemoteBackend) Describe() AdapterInfo {
	return AdapterInfo{ServingMethod: ServingRemoteRPC, Caps: []string{"proxy"}}
}

// call issues one wire request to the peer manager.
func (b *RemoteBackend) call(ctx context.Context, action string, body any, out any) error {
	env, err := transport.NewEnvelope(b.sender, action, body)
	if err != nil {
		return Permanent(err)
	}
	reply, err := b.t.Request(ctx, b.subject, env)
	if err != nil {
		// Transport failures are transient by definition: the peer may be
		// reconnecting.
		if errors.Is(err, transport.ErrProtocolError) {
			return Permanent(err)
		}
		return Transient(err)
	}

	var resp wireResponse
	if err := reply.Decode(&resp); err != nil {
		return Permanent(err)
	}
	if resp.Status == "error" {
		return Permanent(fmt.Errorf("peer model manager: %s", resp.Detail))
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return Permanent(err)
		}
	}
	return nil
}

// Load implements Backend.
func (b *RemoteBackend) Load(ctx context.Context, spec ModelSpec) error {
	var resp struct {
		Status string `json:"status"`
	}
	err := b.call(ctx, "load_model", map[string]any{
		"model_id": spec.ModelID,
		"context":  spec.Params,
	}, &resp)
	if err != nil {
		return err
	}
	if resp.Status != string(LoadLoaded) {
		return Transient(fmt.Errorf("peer load of %s returned %q", spec.ModelID, resp.Status))
	}
	return nil
}

// Unload implements Backend.
func (b *RemoteBackend) Unload(ctx context.Context, modelID string) error {
	return b.call(ctx, "unload_model", map[string]string{"model_id": modelID}, nil)
}

// Infer implements Backend.
func (b *RemoteBackend) Infer(ctx context.Context, modelID string, payload json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	err := b.call(ctx, "infer", map[string]any{
		"model_id": modelID,
		"payload":  payload,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}
