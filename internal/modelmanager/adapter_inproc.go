// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package modelmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
)

// InferFunc serves one in-process inference.
type InferFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// InprocBackend serves models inside this process (GGUF-style embedded
// serving). The actual inference runtime is out of scope; deployments
// register a loader that binds a model id to an InferFunc, and tests
// register fakes. Load failures come from the loader; the adapter adds no
// latency of its own, and Unload always succeeds.
type InprocBackend struct {
	// Loader materializes a model. Nil means loads always succeed with a
	// no-op inference function.
	Loader func(ctx context.Context, spec ModelSpec) (InferFunc, error)

	mu     sync.Mutex
	loaded map[string]InferFunc
}

// NewInprocBackend creates an inproc_gguf adapter.
func NewInprocBackend(loader func(ctx context.Context, spec ModelSpec) (InferFunc, error)) *InprocBackend {
	return &InprocBackend{Loader: loader, loaded: make(map[string]InferFunc)}
}

// Describe implements Backend.
func (b *InprocBackend) Describe() AdapterInfo {
	return AdapterInfo{ServingMethod: ServingInprocGGUF, Caps: []string{"generate", "embed"}}
}

// Load implements Backend.
func (b *InprocBackend) Load(ctx context.Context, spec ModelSpec) error {
	fn := InferFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	if b.Loader != nil {
		loaded, err := b.Loader(ctx, spec)
		if err != nil {
			return err
		}
		fn = loaded
	}

	b.mu.Lock()
	b.loaded[spec.ModelID] = fn
	b.mu.Unlock()
	return nil
}

// Unload implements Backend.
func (b *InprocBackend) Unload(_ context.Context, modelID string) error {
	b.mu.Lock()
	delete(b.loaded, modelID)
	b.mu.Unlock()
	return nil
}

// Infer implements Backend.
func (b *InprocBackend) Infer(ctx context.Context, modelID string, payload json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	fn, ok := b.loaded[modelID]
	b.mu.Unlock()
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %s", ErrNotLoaded, modelID))
	}
	return fn(ctx, payload)
}
