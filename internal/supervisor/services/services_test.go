// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerServiceMapsCleanShutdown(t *testing.T) {
	svc := NewRunnerService("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if svc.String() != "loop" {
		t.Errorf("name = %q", svc.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("clean shutdown returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}
}

func TestRunnerServicePropagatesCrash(t *testing.T) {
	boom := errors.New("boom")
	svc := NewRunnerService("crashy", func(context.Context) error { return boom })
	if err := svc.Serve(context.Background()); !errors.Is(err, boom) {
		t.Errorf("crash returned %v, want boom", err)
	}
}

// fakeSup implements AgentSupervisor.
type fakeSup struct {
	started  atomic.Bool
	stopped  atomic.Bool
	startErr error
}

func (f *fakeSup) StartAll(context.Context) error {
	f.started.Store(true)
	return f.startErr
}

func (f *fakeSup) Shutdown(context.Context) error {
	f.stopped.Store(true)
	return nil
}

func TestAgentKeeperLifecycle(t *testing.T) {
	sup := &fakeSup{}
	svc := NewAgentKeeperService(sup, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !sup.started.Load() {
		if time.Now().After(deadline) {
			t.Fatal("StartAll never called")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
	if !sup.stopped.Load() {
		t.Error("Shutdown not called on context cancel")
	}
}

func TestAgentKeeperStartFailure(t *testing.T) {
	sup := &fakeSup{startErr: errors.New("topology broken")}
	svc := NewAgentKeeperService(sup, time.Second)

	if err := svc.Serve(context.Background()); err == nil {
		t.Error("start failure must surface to suture")
	}
	if sup.stopped.Load() {
		t.Error("Shutdown must not run after a failed start")
	}
}
