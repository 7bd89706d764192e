// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package modelmanager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// HTTPBackend talks to an already-running local serving daemon that
// multiplexes models behind one HTTP API (an Ollama-style server). The
// daemon's base URL comes from each spec's URL field.
type HTTPBackend struct {
	client *http.Client

	mu   sync.Mutex
	urls map[string]string // model id -> daemon base URL, recorded on Load
}

// NewHTTPBackend creates an http_api adapter.
func NewHTTPBackend() *HTTPBackend {
	return &HTTPBackend{
		client: &http.Client{Timeout: 120 * time.Second},
		urls:   make(map[string]string),
	}
}

// Describe implements Backend.
func (b *HTTPBackend) Describe() AdapterInfo {
	return AdapterInfo{ServingMethod: ServingHTTPAPI, Caps: []string{"generate", "embed", "chat"}}
}

// Load implements Backend.
func (b *HTTPBackend) Load(ctx context.Context, spec ModelSpec) error {
	if spec.URL == "" {
		return Permanent(fmt.Errorf("model %s: no serving url", spec.ModelID))
	}
	body, err := json.Marshal(map[string]any{"model": spec.ModelID, "params": spec.Params})
	if err != nil {
		return Permanent(err)
	}
	if _, err := postJSON(ctx, b.client, spec.URL+"/api/load", body); err != nil {
		return err
	}
	b.mu.Lock()
	b.urls[spec.ModelID] = spec.URL
	b.mu.Unlock()
	return nil
}

// Unload implements Backend. The daemon multiplexes models, so unload is a
// plain API call to the base URL recorded at Load. A model with no recorded
// URL is treated as already unloaded.
func (b *HTTPBackend) Unload(ctx context.Context, modelID string) error {
	b.mu.Lock()
	url, ok := b.urls[modelID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	body, err := json.Marshal(map[string]string{"model": modelID})
	if err != nil {
		return Permanent(err)
	}
	_, err = postJSON(ctx, b.client, url+"/api/unload", body)
	return err
}

// Infer implements Backend.
func (b *HTTPBackend) Infer(ctx context.Context, modelID string, payload json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	url, ok := b.urls[modelID]
	b.mu.Unlock()
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %s", ErrNotLoaded, modelID))
	}
	return postJSON(ctx, b.client, url+"/api/infer", payload)
}

// postJSON issues one POST and classifies the failure: connection errors
// and 5xx are transient, 4xx are permanent.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, data))
	case resp.StatusCode >= 400:
		return nil, Permanent(fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, data))
	}
	return data, nil
}
