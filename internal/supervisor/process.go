// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/topology"
)

// Process is one launched agent process.
type Process interface {
	PID() int

	// Done is closed after the process exits; Err then reports the exit
	// error, if any.
	Done() <-chan struct{}
	Err() error

	// Terminate requests an orderly shutdown (SIGTERM).
	Terminate() error

	// Kill force-terminates.
	Kill() error
}

// Runner launches agent processes. The exec implementation is production;
// tests inject a fake.
type Runner interface {
	Start(spec topology.AgentSpec, env []string) (Process, error)
}

// ExecRunner launches agents with os/exec.
type ExecRunner struct{}

// Start implements Runner. The child inherits the supervisor's environment
// (unknown variables pass through), overlaid with the topology's global
// environment and the agent's own env map — the caller builds that overlay.
func (ExecRunner) Start(spec topology.AgentSpec, env []string) (Process, error) {
	args := append([]string{spec.Executable}, spec.Args...)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group so a kill does not take the supervisor down.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.Name, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	logging.Info().Str("agent", spec.Name).Int("pid", cmd.Process.Pid).
		Str("executable", spec.Executable).Msg("agent process launched")
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// buildEnv merges the supervisor environment, the topology's global
// overlay and the agent's own env map, later layers winning.
func buildEnv(global, agent map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range agent {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
