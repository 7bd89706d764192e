// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package modelmanager owns which models are resident in accelerator
// memory. It serializes loads per model, enforces the VRAM budget through
// the accountant, queues loads that cannot be admitted, and talks to the
// serving backends through a small adapter interface.
package modelmanager

import (
	"errors"
	"fmt"
	"time"
)

// Serving methods.
const (
	ServingInprocGGUF       = "inproc_gguf"
	ServingSubprocessOllama = "subprocess_ollama"
	ServingHTTPAPI          = "http_api"
	ServingRemoteRPC        = "remote_rpc"
)

// State is the per-model lifecycle state.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateLoaded   State = "loaded"
	StateEvicting State = "evicting"
	StateFailed   State = "failed"
)

// LoadResult is the outcome of LoadModel.
type LoadResult string

const (
	LoadLoaded     LoadResult = "loaded"
	LoadQueued     LoadResult = "queued"
	LoadInfeasible LoadResult = "infeasible"
	LoadError      LoadResult = "error"
)

// UnloadResult is the outcome of UnloadModel.
type UnloadResult string

const (
	UnloadUnloaded  UnloadResult = "unloaded"
	UnloadNotLoaded UnloadResult = "not_loaded"
	UnloadError     UnloadResult = "error"
)

// Package errors.
var (
	// ErrUnknownModel: the model id is not declared.
	ErrUnknownModel = errors.New("unknown model")

	// ErrInfeasibleBudget: admission failed and no feasible eviction set
	// exists; the load was queued.
	ErrInfeasibleBudget = errors.New("infeasible budget")

	// ErrNotLoaded: unload of a model that is not resident.
	ErrNotLoaded = errors.New("model not loaded")
)

// BackendError classifies adapter failures. Transient failures are retried
// at the adapter layer; permanent ones propagate immediately.
type BackendError struct {
	Transient bool
	Err       error
}

// Error implements error.
func (e *BackendError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("backend error (%s): %v", kind, e.Err)
}

// Unwrap exposes the cause.
func (e *BackendError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable backend failure.
func Transient(err error) error { return &BackendError{Transient: true, Err: err} }

// Permanent wraps err as a non-retryable backend failure.
func Permanent(err error) error { return &BackendError{Transient: false, Err: err} }

// IsTransient reports whether err is a retryable backend failure.
func IsTransient(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Transient
}

// ModelSpec declares one servable model.
type ModelSpec struct {
	ModelID         string         `koanf:"model_id" json:"model_id"`
	ServingMethod   string         `koanf:"serving_method" json:"serving_method"`
	EstimatedVRAMMB int            `koanf:"estimated_vram_mb" json:"estimated_vram_mb"`
	Priority        int            `koanf:"priority" json:"priority"`
	Params          map[string]any `koanf:"params" json:"params,omitempty"`

	// Command is the launch template for subprocess serving.
	Command []string `koanf:"command" json:"command,omitempty"`

	// URL is the serving endpoint for http_api.
	URL string `koanf:"url" json:"url,omitempty"`
}

// Record is the externally visible per-model state.
type Record struct {
	ModelID            string    `json:"model_id"`
	ServingMethod      string    `json:"serving_method"`
	EstimatedVRAMMB    int       `json:"estimated_vram_mb"`
	Priority           int       `json:"priority"`
	State              State     `json:"state"`
	LastUsedAt         time.Time `json:"last_used_at,omitempty"`
	LoadCount          int       `json:"load_count"`
	ActiveInferences   int       `json:"active_inferences"`
	OwnerConversations []string  `json:"owner_conversations,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
}
