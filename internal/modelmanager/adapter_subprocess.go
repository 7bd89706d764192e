// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package modelmanager

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/logging"
)

// SubprocessBackend serves each model from a managed OS process (an
// ollama/llama-server style daemon). The spec's Command is the launch
// template; {model_id} and {port} placeholders are substituted. The child
// exposes an HTTP API on its port; load waits for readiness, unload sends
// SIGTERM then SIGKILL.
type SubprocessBackend struct {
	// BasePort is the first port handed to children; each model gets
	// BasePort+ordinal.
	BasePort int

	// ReadyTimeout bounds the post-spawn readiness wait. Default: 60s
	ReadyTimeout time.Duration

	// KillGrace is the SIGTERM-to-SIGKILL window. Default: 5s
	KillGrace time.Duration

	client *http.Client

	mu      sync.Mutex
	procs   map[string]*modelProc
	nextOrd int
}

type modelProc struct {
	cmd  *exec.Cmd
	port int
}

// NewSubprocessBackend creates a subprocess adapter.
func NewSubprocessBackend(basePort int) *SubprocessBackend {
	return &SubprocessBackend{
		BasePort:     basePort,
		ReadyTimeout: 60 * time.Second,
		KillGrace:    5 * time.Second,
		client:       &http.Client{Timeout: 30 * time.Second},
		procs:        make(map[string]*modelProc),
	}
}

// Describe implements Backend.
func (b *SubprocessBackend) Describe() AdapterInfo {
	return AdapterInfo{ServingMethod: ServingSubprocessOllama, Caps: []string{"generate", "embed"}}
}

// Load implements Backend: spawn the serving process and wait until its
// health endpoint answers.
func (b *SubprocessBackend) Load(ctx context.Context, spec ModelSpec) error {
	if len(spec.Command) == 0 {
		return Permanent(fmt.Errorf("model %s: no launch command", spec.ModelID))
	}

	b.mu.Lock()
	if _, running := b.procs[spec.ModelID]; running {
		b.mu.Unlock()
		return nil
	}
	port := b.BasePort + b.nextOrd
	b.nextOrd++
	b.mu.Unlock()

	args := make([]string, len(spec.Command))
	for i, a := range spec.Command {
		a = strings.ReplaceAll(a, "{model_id}", spec.ModelID)
		a = strings.ReplaceAll(a, "{port}", fmt.Sprint(port))
		args[i] = a
	}

	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return Permanent(fmt.Errorf("spawn %s: %w", spec.ModelID, err))
	}
	logging.Info().Str("model_id", spec.ModelID).Int("pid", cmd.Process.Pid).Int("port", port).
		Msg("model serving process started")

	readyCtx, cancel := context.WithTimeout(ctx, b.ReadyTimeout)
	defer cancel()
	err := waitReady(readyCtx, time.Second, int(b.ReadyTimeout/time.Second), func(ctx context.Context) error {
		return b.ping(ctx, port)
	})
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return Transient(fmt.Errorf("model %s never became ready: %w", spec.ModelID, err))
	}

	b.mu.Lock()
	b.procs[spec.ModelID] = &modelProc{cmd: cmd, port: port}
	b.mu.Unlock()
	return nil
}

// Unload implements Backend: orderly termination, then force.
func (b *SubprocessBackend) Unload(_ context.Context, modelID string) error {
	b.mu.Lock()
	proc, ok := b.procs[modelID]
	delete(b.procs, modelID)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = proc.cmd.Process.Kill()
		_ = proc.cmd.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		_ = proc.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.KillGrace):
		logging.Warn().Str("model_id", modelID).Msg("serving process ignored SIGTERM, killing")
		_ = proc.cmd.Process.Kill()
		<-done
	}
	return nil
}

// Infer implements Backend: proxy the payload to the child's HTTP API.
func (b *SubprocessBackend) Infer(ctx context.Context, modelID string, payload json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	proc, ok := b.procs[modelID]
	b.mu.Unlock()
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %s has no serving process", ErrNotLoaded, modelID))
	}
	return postJSON(ctx, b.client, fmt.Sprintf("http://127.0.0.1:%d/infer", proc.port), payload)
}

// ping checks the child's health endpoint.
func (b *SubprocessBackend) ping(ctx context.Context, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/health", port), nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}
