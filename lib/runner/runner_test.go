// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/overseer-project/overseer/lib/clock"
	"github.com/overseer-project/overseer/lib/stream"
	"github.com/overseer-project/overseer/lib/testutil"
)

// fakeProcess is a scripted Process. The script goroutine emits stdout
// lines and eventually calls finish; Signal with SIGKILL finishes the
// process immediately unless ignoreKill is set.
type fakeProcess struct {
	stdout     *io.PipeReader
	stdoutIn   *io.PipeWriter
	exitErr    chan error
	finishOnce sync.Once

	stderrText string
	ignoreKill bool
	script     func(*fakeProcess)

	mu      sync.Mutex
	signals []os.Signal
}

func newFakeProcess() *fakeProcess {
	reader, writer := io.Pipe()
	return &fakeProcess{
		stdout:   reader,
		stdoutIn: writer,
		exitErr:  make(chan error, 1),
	}
}

func (p *fakeProcess) emit(line string) {
	fmt.Fprintln(p.stdoutIn, line)
}

func (p *fakeProcess) finish(err error) {
	p.finishOnce.Do(func() {
		p.stdoutIn.Close()
		p.exitErr <- err
	})
}

func (p *fakeProcess) Wait() error {
	return <-p.exitErr
}

func (p *fakeProcess) Signal(signal os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, signal)
	p.mu.Unlock()
	if !p.ignoreKill {
		p.finish(errors.New("signal: killed"))
	}
	return nil
}

func (p *fakeProcess) Stderr() string {
	return p.stderrText
}

func (p *fakeProcess) signalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signals)
}

type fakeLauncher struct {
	process  *fakeProcess
	startErr error

	mu       sync.Mutex
	lastSpec StartSpec
}

func (l *fakeLauncher) Start(ctx context.Context, spec StartSpec) (Process, io.ReadCloser, error) {
	if l.startErr != nil {
		return nil, nil, l.startErr
	}
	l.mu.Lock()
	l.lastSpec = spec
	l.mu.Unlock()
	if l.process.script != nil {
		go l.process.script(l.process)
	}
	return l.process, l.process.stdout, nil
}

func newTestRunner(process *fakeProcess) (*Runner, *fakeLauncher) {
	launcher := &fakeLauncher{process: process}
	return New(Config{Launcher: launcher}), launcher
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()

	process := newFakeProcess()
	process.script = func(p *fakeProcess) {
		p.emit(`{"type":"system","subtype":"init","session_id":"sess-1","tools":["Bash","Read"]}`)
		p.emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"Working on it."},{"type":"tool_use","id":"tc1","name":"Bash","input":{"command":"ls"}}]}}`)
		p.emit(`{"type":"result","subtype":"success","result":"Done.","session_id":"sess-1","cost_usd":0.002,"duration_ms":120,"num_turns":1,"is_error":false}`)
		p.finish(nil)
	}

	var eventTypes []stream.EventType
	r, launcher := newTestRunner(process)
	outcome, err := r.Execute(context.Background(), Request{
		RunID:            "run-1",
		Argv:             []string{"claude", "-p", "list files"},
		WorkingDirectory: "/srv/projects/alpha",
		OnEvent: func(event stream.Event) {
			eventTypes = append(eventTypes, event.Type)
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !outcome.OK {
		t.Fatalf("outcome not OK: %s %s", outcome.ErrorKind, outcome.ErrorDetail)
	}
	if outcome.Content != "Done." || outcome.SessionID != "sess-1" {
		t.Errorf("content/session = %q/%q", outcome.Content, outcome.SessionID)
	}
	if outcome.CostUSD != 0.002 || outcome.DurationMS != 120 || outcome.TurnCount != 1 {
		t.Errorf("metrics = %v/%v/%v", outcome.CostUSD, outcome.DurationMS, outcome.TurnCount)
	}
	if len(outcome.ToolCalls) != 1 || outcome.ToolCalls[0].Name != "Bash" {
		t.Errorf("tool calls = %v", outcome.ToolCalls)
	}

	want := []stream.EventType{stream.EventSystemInit, stream.EventAssistant, stream.EventResult}
	if len(eventTypes) != len(want) {
		t.Fatalf("event types = %v, want %v", eventTypes, want)
	}
	for i := range want {
		if eventTypes[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, eventTypes[i], want[i])
		}
	}

	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	if launcher.lastSpec.WorkingDirectory != "/srv/projects/alpha" {
		t.Errorf("working directory = %q", launcher.lastSpec.WorkingDirectory)
	}
}

func TestExecuteSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	process := newFakeProcess()
	process.script = func(p *fakeProcess) {
		p.emit(`not json at all`)
		p.emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}`)
		p.emit(`{{{`)
		p.emit(`{"type":"result","subtype":"success","result":"fine","cost_usd":0.01,"duration_ms":50,"num_turns":2}`)
		p.finish(nil)
	}

	r, _ := newTestRunner(process)
	outcome, err := r.Execute(context.Background(), Request{RunID: "run-2", Argv: []string{"claude"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !outcome.OK || outcome.Content != "fine" {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestExecuteProcessFailure(t *testing.T) {
	t.Parallel()

	process := newFakeProcess()
	process.stderrText = "fatal: model backend unreachable"
	process.script = func(p *fakeProcess) {
		p.finish(errors.New("exit status 1"))
	}

	r, _ := newTestRunner(process)
	outcome, err := r.Execute(context.Background(), Request{RunID: "run-3", Argv: []string{"claude"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.OK || outcome.ErrorKind != ErrorProcessFailure {
		t.Fatalf("outcome = %+v", outcome)
	}
	if !strings.Contains(outcome.ErrorDetail, "model backend unreachable") {
		t.Errorf("detail lost stderr: %q", outcome.ErrorDetail)
	}
}

func TestExecuteUsageLimitStderr(t *testing.T) {
	t.Parallel()

	process := newFakeProcess()
	process.stderrText = "Claude AI usage limit reached|1735000000"
	process.script = func(p *fakeProcess) {
		p.finish(errors.New("exit status 1"))
	}

	r, _ := newTestRunner(process)
	outcome, err := r.Execute(context.Background(), Request{RunID: "run-4", Argv: []string{"claude"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.ErrorKind != ErrorProcessFailure {
		t.Fatalf("kind = %s", outcome.ErrorKind)
	}
	if !strings.Contains(outcome.ErrorDetail, "usage limit") {
		t.Errorf("detail = %q", outcome.ErrorDetail)
	}
}

func TestExecuteParsingFailure(t *testing.T) {
	t.Parallel()

	process := newFakeProcess()
	process.script = func(p *fakeProcess) {
		p.emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}`)
		p.finish(nil)
	}

	r, _ := newTestRunner(process)
	outcome, err := r.Execute(context.Background(), Request{RunID: "run-5", Argv: []string{"claude"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.OK || outcome.ErrorKind != ErrorParsingFailure {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestExecuteAssistantReportedError(t *testing.T) {
	t.Parallel()

	process := newFakeProcess()
	process.script = func(p *fakeProcess) {
		p.emit(`{"type":"result","subtype":"error_max_turns","result":"ran out of turns","cost_usd":0.1,"duration_ms":900,"num_turns":10,"is_error":true}`)
		p.finish(nil)
	}

	r, _ := newTestRunner(process)
	outcome, err := r.Execute(context.Background(), Request{RunID: "run-6", Argv: []string{"claude"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.OK || outcome.ErrorKind != ErrorProcessFailure {
		t.Fatalf("outcome = %+v", outcome)
	}
	if !strings.Contains(outcome.ErrorDetail, "error_max_turns") {
		t.Errorf("detail = %q", outcome.ErrorDetail)
	}
	// Metrics still flow through for cost reconciliation.
	if outcome.CostUSD != 0.1 {
		t.Errorf("cost = %v", outcome.CostUSD)
	}
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	process := newFakeProcess()
	launcher := &fakeLauncher{process: process}
	r := New(Config{Launcher: launcher, Clock: fakeClock})

	outcomes := make(chan Outcome, 1)
	go func() {
		outcome, err := r.Execute(context.Background(), Request{
			RunID:   "run-7",
			Argv:    []string{"claude"},
			Timeout: 30 * time.Second,
		})
		if err != nil {
			t.Errorf("Execute: %v", err)
		}
		outcomes <- outcome
	}()

	// The process emits nothing and never exits on its own. Fire the
	// deadline once it is armed.
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(30 * time.Second)

	outcome := testutil.RequireReceive(t, outcomes, 5*time.Second, "waiting for timeout outcome")
	if outcome.OK || outcome.ErrorKind != ErrorTimeout {
		t.Fatalf("outcome = %+v", outcome)
	}
	if process.signalCount() == 0 {
		t.Error("process was never signaled")
	}
}

func TestExecuteSecondResultKeepsFirst(t *testing.T) {
	t.Parallel()

	process := newFakeProcess()
	process.script = func(p *fakeProcess) {
		p.emit(`{"type":"result","subtype":"success","result":"first","cost_usd":0.01,"duration_ms":10,"num_turns":1}`)
		p.emit(`{"type":"result","subtype":"success","result":"second","cost_usd":0.02,"duration_ms":20,"num_turns":2}`)
		p.emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"after"}]}}`)
		p.finish(nil)
	}

	var eventCount int
	r, _ := newTestRunner(process)
	outcome, err := r.Execute(context.Background(), Request{
		RunID: "run-8",
		Argv:  []string{"claude"},
		OnEvent: func(stream.Event) {
			eventCount++
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !outcome.OK || outcome.Content != "first" || outcome.CostUSD != 0.01 {
		t.Errorf("outcome = %+v", outcome)
	}
	// The duplicate result and everything after it stay undelivered.
	if eventCount != 1 {
		t.Errorf("delivered %d events, want 1", eventCount)
	}
}

func TestExecuteValidatorAnnotates(t *testing.T) {
	t.Parallel()

	process := newFakeProcess()
	process.script = func(p *fakeProcess) {
		p.emit(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tc1","name":"Bash","input":{"command":"rm -rf /"}}]}}`)
		p.emit(`{"type":"result","subtype":"success","result":"done","cost_usd":0.01,"duration_ms":10,"num_turns":1}`)
		p.finish(nil)
	}

	r, _ := newTestRunner(process)
	outcome, err := r.Execute(context.Background(), Request{
		RunID: "run-9",
		Argv:  []string{"claude"},
		ValidateToolCall: func(call stream.ToolCall) stream.ToolCall {
			call.Validated = false
			call.RejectionReason = "rejected for test"
			return call
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rejected := outcome.RejectedToolCalls()
	if len(rejected) != 1 || rejected[0].RejectionReason != "rejected for test" {
		t.Errorf("rejected = %v", rejected)
	}
}

func TestExecuteStartError(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{startErr: errors.New("no such binary")}
	r := New(Config{Launcher: launcher})
	if _, err := r.Execute(context.Background(), Request{RunID: "run-10", Argv: []string{"absent"}}); err == nil {
		t.Fatal("Execute succeeded with a failing launcher")
	}
}

func TestActiveRunsAndKillAll(t *testing.T) {
	t.Parallel()

	process := newFakeProcess()
	launcher := &fakeLauncher{process: process}
	r := New(Config{Launcher: launcher})

	started := make(chan struct{})
	process.script = func(p *fakeProcess) {
		close(started)
	}

	outcomes := make(chan Outcome, 1)
	go func() {
		outcome, err := r.Execute(context.Background(), Request{RunID: "run-11", Argv: []string{"claude"}})
		if err != nil {
			t.Errorf("Execute: %v", err)
		}
		outcomes <- outcome
	}()

	testutil.RequireClosed(t, started, 5*time.Second, "waiting for process start")
	for len(r.ActiveRuns()) == 0 {
		time.Sleep(time.Millisecond)
	}
	if runs := r.ActiveRuns(); len(runs) != 1 || runs[0] != "run-11" {
		t.Errorf("ActiveRuns = %v", runs)
	}

	r.KillAll()
	outcome := testutil.RequireReceive(t, outcomes, 5*time.Second, "waiting for killed outcome")
	if outcome.OK || outcome.ErrorKind != ErrorProcessFailure {
		t.Errorf("outcome = %+v", outcome)
	}
	if len(r.ActiveRuns()) != 0 {
		t.Errorf("runs still active after KillAll: %v", r.ActiveRuns())
	}
}
