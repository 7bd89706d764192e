// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package modelmanager

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/logging"
)

// AdapterInfo describes a backend adapter.
type AdapterInfo struct {
	ServingMethod string   `json:"serving_method"`
	Caps          []string `json:"caps,omitempty"`
}

// Backend is the adapter interface between the manager and a serving
// runtime. Implementations must be safe for concurrent use across model
// ids; the manager guarantees per-model call ordering.
//
// Errors should be wrapped with Transient or Permanent; anything else is
// treated as permanent.
type Backend interface {
	Load(ctx context.Context, spec ModelSpec) error
	Unload(ctx context.Context, modelID string) error
	Infer(ctx context.Context, modelID string, payload json.RawMessage) (json.RawMessage, error)
	Describe() AdapterInfo
}

// adapterRetries bounds transient-failure retries at the adapter layer.
const adapterRetries = 3

// withRetry runs op, retrying transient failures with exponential backoff.
// Permanent failures and context expiry propagate immediately.
func withRetry(ctx context.Context, modelID, what string, op func(ctx context.Context) error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), adapterRetries), ctx)

	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsTransient(err) && ctx.Err() == nil {
			logging.Warn().Err(err).Str("model_id", modelID).Str("op", what).
				Msg("transient backend failure, retrying")
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

// waitReady polls check until it succeeds, the interval budget is spent, or
// ctx expires. Shared by the subprocess and http adapters' load paths.
func waitReady(ctx context.Context, interval time.Duration, attempts int, check func(ctx context.Context) error) error {
	var lastErr error
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < attempts; i++ {
		if err := check(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return Transient(ctx.Err())
		case <-ticker.C:
		}
	}
	return Transient(lastErr)
}
