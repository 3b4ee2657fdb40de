// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/overseer-project/overseer/lib/clock"
	"github.com/overseer-project/overseer/lib/config"
	"github.com/overseer-project/overseer/lib/runner"
	"github.com/overseer-project/overseer/lib/session"
	"github.com/overseer-project/overseer/lib/store"
	"github.com/overseer-project/overseer/lib/testutil"
)

// scriptedProcess plays back canned stdout lines and an exit error.
type scriptedProcess struct {
	stdout   *io.PipeReader
	stdoutIn *io.PipeWriter
	exitErr  chan error
	once     sync.Once
	stderr   string
}

func (p *scriptedProcess) Wait() error    { return <-p.exitErr }
func (p *scriptedProcess) Stderr() string { return p.stderr }

func (p *scriptedProcess) Signal(signal os.Signal) error {
	p.once.Do(func() {
		p.stdoutIn.Close()
		p.exitErr <- errors.New("signal: killed")
	})
	return nil
}

// scriptedLauncher spawns one scriptedProcess per Start, playing the
// configured lines, and records every argv it was asked to run.
type scriptedLauncher struct {
	lines   []string
	exitErr error
	stderr  string

	mu    sync.Mutex
	argvs [][]string
}

func (l *scriptedLauncher) Start(ctx context.Context, spec runner.StartSpec) (runner.Process, io.ReadCloser, error) {
	l.mu.Lock()
	l.argvs = append(l.argvs, slices.Clone(spec.Argv))
	lines := slices.Clone(l.lines)
	exitErr := l.exitErr
	l.mu.Unlock()

	reader, writer := io.Pipe()
	process := &scriptedProcess{
		stdout:   reader,
		stdoutIn: writer,
		exitErr:  make(chan error, 1),
		stderr:   l.stderr,
	}
	go func() {
		for _, line := range lines {
			fmt.Fprintln(writer, line)
		}
		process.once.Do(func() {
			writer.Close()
			process.exitErr <- exitErr
		})
	}()
	return process, reader, nil
}

func (l *scriptedLauncher) startCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.argvs)
}

func (l *scriptedLauncher) lastArgv() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.argvs) == 0 {
		return nil
	}
	return l.argvs[len(l.argvs)-1]
}

func successLines(sessionID string) []string {
	return []string{
		fmt.Sprintf(`{"type":"system","subtype":"init","session_id":%q,"tools":["Bash","Read","Edit"]}`, sessionID),
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Working."},{"type":"tool_use","id":"tc1","name":"Bash","input":{"command":"ls"}}]}}`,
		fmt.Sprintf(`{"type":"result","subtype":"success","result":"Done.","session_id":%q,"cost_usd":0.002,"duration_ms":120,"num_turns":1,"is_error":false}`, sessionID),
	}
}

type testGateway struct {
	gateway  *Gateway
	launcher *scriptedLauncher
	store    *store.Store
	clock    *clock.FakeClock
	cfg      *config.Config
}

func newTestGateway(t *testing.T, launcher *scriptedLauncher, mutate func(*config.Config)) *testGateway {
	t.Helper()

	cfg := config.Default()
	cfg.Paths.StateDatabase = testutil.TempDatabasePath(t)
	cfg.Paths.ProjectsRoot = t.TempDir()
	cfg.Governor.DailyBudgetUSD = 10
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(store.Config{Path: cfg.Paths.StateDatabase})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	gw, err := New(Options{
		Config:   cfg,
		Store:    st,
		Clock:    fakeClock,
		Launcher: launcher,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testGateway{gateway: gw, launcher: launcher, store: st, clock: fakeClock, cfg: cfg}
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()

	launcher := &scriptedLauncher{lines: successLines("sess-1")}
	tg := newTestGateway(t, launcher, nil)
	ctx := context.Background()

	outcome, err := tg.gateway.Run(ctx, Request{Owner: "alice", Project: "alpha", Prompt: "list the files"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.OK || outcome.Content != "Done." {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.CostUSD != 0.002 || outcome.SessionID != "sess-1" {
		t.Errorf("metrics = %v/%q", outcome.CostUSD, outcome.SessionID)
	}

	// The session advanced and remembers the resume id.
	workingDirectory := tg.cfg.Paths.ProjectsRoot + "/alpha"
	record, state, found := tg.gateway.Sessions().Lookup(ctx, session.Key("alice", workingDirectory))
	if !found {
		t.Fatal("session missing after run")
	}
	if state != session.StateActive || record.MessageCount != 1 {
		t.Errorf("session = %s/%+v", state, record)
	}
	if record.AssistantSessionID != "sess-1" {
		t.Errorf("resume id = %q", record.AssistantSessionID)
	}
	if len(record.ToolsUsed) != 1 || record.ToolsUsed[0] != "Bash" {
		t.Errorf("tools used = %v", record.ToolsUsed)
	}

	// The exchange landed in the interaction log.
	ids, err := tg.store.ListInteractionIDs(ctx, session.Key("alice", workingDirectory))
	if err != nil {
		t.Fatalf("ListInteractionIDs: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("interaction ids = %v", ids)
	}
	interaction, found, err := tg.store.LoadInteraction(ctx, ids[0])
	if err != nil || !found {
		t.Fatalf("LoadInteraction: found=%v err=%v", found, err)
	}
	if interaction.Prompt != "list the files" || interaction.Response != "Done." {
		t.Errorf("interaction = %+v", interaction)
	}

	// The budget settled at the observed cost, not the hold.
	remaining, err := tg.gateway.Remaining(ctx, "alice")
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if want := 10 - 0.002; remaining != want {
		t.Errorf("remaining = %v, want %v", remaining, want)
	}
}

func TestRunResumesRecordedConversation(t *testing.T) {
	t.Parallel()

	launcher := &scriptedLauncher{lines: successLines("sess-9")}
	tg := newTestGateway(t, launcher, nil)
	ctx := context.Background()

	if _, err := tg.gateway.Run(ctx, Request{Owner: "alice", Project: "alpha", Prompt: "first"}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := tg.gateway.Run(ctx, Request{Owner: "alice", Project: "alpha", Prompt: "second"}); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	argv := tg.launcher.lastArgv()
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "--resume sess-9") {
		t.Errorf("second run argv %q does not resume", joined)
	}
	if !strings.Contains(joined, "--output-format stream-json") {
		t.Errorf("argv %q missing stream format", joined)
	}
}

func TestRunGovernorDenied(t *testing.T) {
	t.Parallel()

	launcher := &scriptedLauncher{lines: successLines("sess-1")}
	tg := newTestGateway(t, launcher, func(cfg *config.Config) {
		// The reservation cannot fit the budget, so nothing is ever
		// admitted.
		cfg.Governor.DailyBudgetUSD = 0.25
		cfg.Governor.ReservationUSD = 0.5
	})

	outcome, err := tg.gateway.Run(context.Background(), Request{Owner: "alice", Project: "alpha", Prompt: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.OK || outcome.ErrorKind != runner.ErrorGovernorDenied {
		t.Fatalf("outcome = %+v", outcome)
	}
	if tg.launcher.startCount() != 0 {
		t.Error("denied run still spawned a process")
	}
}

func TestRunRejectsEscapingToolCall(t *testing.T) {
	t.Parallel()

	launcher := &scriptedLauncher{lines: []string{
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tc1","name":"Edit","input":{"file_path":"../../etc/passwd"}},{"type":"tool_use","id":"tc2","name":"Read","input":{"file_path":"notes.txt"}}]}}`,
		`{"type":"result","subtype":"success","result":"done","cost_usd":0.001,"duration_ms":80,"num_turns":1}`,
	}}
	tg := newTestGateway(t, launcher, nil)
	ctx := context.Background()

	outcome, err := tg.gateway.Run(ctx, Request{Owner: "alice", Project: "alpha", Prompt: "edit stuff"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.OK {
		t.Fatalf("outcome = %+v", outcome)
	}

	rejected := outcome.RejectedToolCalls()
	if len(rejected) != 1 || rejected[0].Name != "Edit" {
		t.Fatalf("rejected = %v", rejected)
	}
	if !strings.Contains(rejected[0].RejectionReason, "escapes") {
		t.Errorf("reason = %q", rejected[0].RejectionReason)
	}

	// Only the validated call counts as used.
	workingDirectory := tg.cfg.Paths.ProjectsRoot + "/alpha"
	record, _, found := tg.gateway.Sessions().Lookup(ctx, session.Key("alice", workingDirectory))
	if !found {
		t.Fatal("session missing")
	}
	if len(record.ToolsUsed) != 1 || record.ToolsUsed[0] != "Read" {
		t.Errorf("tools used = %v", record.ToolsUsed)
	}
}

func TestRunConfigurationRefusals(t *testing.T) {
	t.Parallel()

	launcher := &scriptedLauncher{lines: successLines("sess-1")}
	tg := newTestGateway(t, launcher, nil)

	for _, request := range []Request{
		{Owner: "", Project: "alpha", Prompt: "hi"},
		{Owner: "alice", Project: "alpha", Prompt: ""},
		{Owner: "alice", Project: "", Prompt: "hi"},
		{Owner: "alice", Project: "../evil", Prompt: "hi"},
	} {
		outcome, err := tg.gateway.Run(context.Background(), request)
		if err != nil {
			t.Fatalf("Run(%+v): %v", request, err)
		}
		if outcome.ErrorKind != runner.ErrorConfiguration {
			t.Errorf("Run(%+v) kind = %s", request, outcome.ErrorKind)
		}
	}
	if tg.launcher.startCount() != 0 {
		t.Error("a refused request spawned a process")
	}
}

func TestRunProcessFailureLeavesSessionClean(t *testing.T) {
	t.Parallel()

	launcher := &scriptedLauncher{exitErr: errors.New("exit status 1"), stderr: "backend unreachable"}
	tg := newTestGateway(t, launcher, nil)
	ctx := context.Background()

	outcome, err := tg.gateway.Run(ctx, Request{Owner: "alice", Project: "alpha", Prompt: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.OK || outcome.ErrorKind != runner.ErrorProcessFailure {
		t.Fatalf("outcome = %+v", outcome)
	}

	// No confirmed result, no session mutation; the next run is not
	// blocked by a stale in-flight slot.
	workingDirectory := tg.cfg.Paths.ProjectsRoot + "/alpha"
	record, state, found := tg.gateway.Sessions().Lookup(ctx, session.Key("alice", workingDirectory))
	if !found {
		t.Fatal("session missing")
	}
	if state != session.StateCreated || record.MessageCount != 0 {
		t.Errorf("session = %s/%+v", state, record)
	}

	launcher.mu.Lock()
	launcher.lines = successLines("sess-2")
	launcher.exitErr = nil
	launcher.mu.Unlock()
	outcome, err = tg.gateway.Run(ctx, Request{Owner: "alice", Project: "alpha", Prompt: "again"})
	if err != nil {
		t.Fatalf("retry Run: %v", err)
	}
	if !outcome.OK {
		t.Fatalf("retry outcome = %+v", outcome)
	}
}
