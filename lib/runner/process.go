// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Process represents a running assistant process. Launcher
// implementations return it from Start. The runner uses it to wait for
// completion, kill on deadline expiry, and read captured stderr.
type Process interface {
	// Wait blocks until the process exits and returns its exit error.
	// Returns nil if the process exited with status 0.
	Wait() error

	// Signal sends an OS signal to the process.
	Signal(signal os.Signal) error

	// Stderr returns the stderr text captured so far. Complete once
	// Wait has returned.
	Stderr() string
}

// StartSpec holds what a Launcher needs to spawn one run.
type StartSpec struct {
	// Argv is the full command line, argv[0] included.
	Argv []string

	// WorkingDirectory is where the process starts. It doubles as the
	// path boundary for the run's file tools.
	WorkingDirectory string

	// ExtraEnv is appended to the inherited environment, in
	// "KEY=VALUE" form.
	ExtraEnv []string
}

// Launcher is the abstraction boundary between the runner and the
// operating system. Tests substitute a scripted implementation; real
// deployments use ExecLauncher.
type Launcher interface {
	// Start spawns the process and returns its handle together with
	// the read end of its stdout pipe. The caller must drain stdout
	// to completion before calling Process.Wait.
	Start(ctx context.Context, spec StartSpec) (Process, io.ReadCloser, error)
}

// ExecLauncher spawns real subprocesses via os/exec.
type ExecLauncher struct{}

func (ExecLauncher) Start(ctx context.Context, spec StartSpec) (Process, io.ReadCloser, error) {
	if len(spec.Argv) == 0 {
		return nil, nil, fmt.Errorf("runner: empty argv")
	}

	command := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	command.Dir = spec.WorkingDirectory
	command.Env = append(os.Environ(), spec.ExtraEnv...)

	process := &execProcess{command: command}
	command.Stderr = &process.stderr

	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("runner: stdout pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		return nil, nil, fmt.Errorf("runner: starting %s: %w", spec.Argv[0], err)
	}
	return process, stdout, nil
}

// execProcess wraps exec.Cmd behind the Process interface.
type execProcess struct {
	command *exec.Cmd
	stderr  boundedBuffer
}

func (p *execProcess) Wait() error {
	return p.command.Wait()
}

func (p *execProcess) Signal(signal os.Signal) error {
	if p.command.Process == nil {
		return fmt.Errorf("runner: process not started")
	}
	return p.command.Process.Signal(signal)
}

func (p *execProcess) Stderr() string {
	return p.stderr.String()
}

// stderrCaptureLimit bounds how much stderr is retained per run. A
// wedged assistant can emit stderr indefinitely; the head is what
// carries the diagnostic.
const stderrCaptureLimit = 64 * 1024

// boundedBuffer retains the first stderrCaptureLimit bytes written and
// discards the rest. Safe for the concurrent write (process) and read
// (runner after Wait) that exec.Cmd produces.
type boundedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := stderrCaptureLimit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
