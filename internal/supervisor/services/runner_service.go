// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package services adapts the runtime's components to suture's Serve
// lifecycle so the supervisor tree can own them.
package services

import (
	"context"
	"errors"
)

// RunFunc is a blocking loop that honors context cancellation.
type RunFunc func(ctx context.Context) error

// RunnerService wraps a Run(ctx)-shaped loop (prober, janitor, idle
// sweeper, preloader, coordinator pool, hub) as a suture service.
//
// A loop returning context.Canceled on shutdown is normal termination and
// is mapped to suture.ErrDoNotRestart semantics by returning ctx.Err().
type RunnerService struct {
	name string
	run  RunFunc
}

// NewRunnerService wraps run under the given service name.
func NewRunnerService(name string, run RunFunc) *RunnerService {
	return &RunnerService{name: name, run: run}
}

// Serve implements suture.Service.
func (s *RunnerService) Serve(ctx context.Context) error {
	err := s.run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

// String implements fmt.Stringer; suture uses it in log messages.
func (s *RunnerService) String() string {
	return s.name
}
