// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package services

import (
	"context"
	"fmt"
	"time"
)

// AgentSupervisor matches the agent supervisor's lifecycle.
type AgentSupervisor interface {
	StartAll(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// AgentKeeperService runs the agent supervisor under the tree: it starts
// the topology, holds until shutdown, then stops agents in reverse order.
// A failed topology start is returned to suture, which applies its backoff
// before the whole layer retries.
type AgentKeeperService struct {
	sup             AgentSupervisor
	shutdownTimeout time.Duration
}

// NewAgentKeeperService creates the keeper.
func NewAgentKeeperService(sup AgentSupervisor, shutdownTimeout time.Duration) *AgentKeeperService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 60 * time.Second
	}
	return &AgentKeeperService{sup: sup, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *AgentKeeperService) Serve(ctx context.Context) error {
	if err := s.sup.StartAll(ctx); err != nil {
		return fmt.Errorf("topology start failed: %w", err)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.sup.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("topology shutdown failed: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer.
func (s *AgentKeeperService) String() string {
	return "agent-keeper"
}
