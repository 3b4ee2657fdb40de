// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/overseer-project/overseer/lib/clock"
	"github.com/overseer-project/overseer/lib/stream"
)

const (
	// DefaultTimeout bounds a run when the request does not set one.
	DefaultTimeout = 5 * time.Minute

	// DefaultGraceWindow is how long the runner waits for a killed
	// process to actually exit before declaring it leaked.
	DefaultGraceWindow = 5 * time.Second

	// maxLineSize is the scanner's line cap. Assistant turns with
	// large embedded file content produce very long stream-json
	// lines.
	maxLineSize = 1024 * 1024
)

// Runner executes assistant runs. Safe for concurrent use; every run
// owns an independent process handle.
type Runner struct {
	launcher    Launcher
	clock       clock.Clock
	logger      *slog.Logger
	graceWindow time.Duration

	mu     sync.Mutex
	active map[string]Process
}

// Config configures a Runner. Zero-value fields get production
// defaults: ExecLauncher, the real clock, a discarding logger, and
// DefaultGraceWindow.
type Config struct {
	Launcher    Launcher
	Clock       clock.Clock
	Logger      *slog.Logger
	GraceWindow time.Duration
}

// New creates a Runner.
func New(config Config) *Runner {
	if config.Launcher == nil {
		config.Launcher = ExecLauncher{}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.GraceWindow <= 0 {
		config.GraceWindow = DefaultGraceWindow
	}
	return &Runner{
		launcher:    config.Launcher,
		clock:       config.Clock,
		logger:      config.Logger,
		graceWindow: config.GraceWindow,
		active:      make(map[string]Process),
	}
}

// Request describes one run.
type Request struct {
	// RunID identifies the run in logs, the active registry, and
	// cost reconciliation.
	RunID string

	// Argv is the assembled command line.
	Argv []string

	// WorkingDirectory is where the process starts.
	WorkingDirectory string

	// Timeout bounds the run from spawn to terminal result. Zero
	// means DefaultTimeout.
	Timeout time.Duration

	// OnEvent, when non-nil, receives every parsed event in emission
	// order. It is called from the runner's reader goroutine and must
	// not block for long; a slow callback backpressures the stdout
	// pipe.
	OnEvent func(stream.Event)

	// ValidateToolCall, when non-nil, annotates each observed tool
	// call with the policy decision before it reaches OnEvent and
	// the Outcome. Called from the reader goroutine.
	ValidateToolCall func(stream.ToolCall) stream.ToolCall
}

// Execute runs the process to completion and returns exactly one
// Outcome. Failures during the run (timeout, process death, missing
// result) are reported inside the Outcome rather than as an error;
// the error return is reserved for being unable to start at all.
func (r *Runner) Execute(ctx context.Context, request Request) (Outcome, error) {
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	outcome := Outcome{RunID: request.RunID}

	// The deadline covers spawn time too, so arm it first.
	deadline := r.clock.After(timeout)

	process, stdout, err := r.launcher.Start(ctx, StartSpec{
		Argv:             request.Argv,
		WorkingDirectory: request.WorkingDirectory,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("runner: run %s: %w", request.RunID, err)
	}

	r.register(request.RunID, process)
	defer r.unregister(request.RunID)

	logger := r.logger.With("run_id", request.RunID)

	reader := &streamReader{
		logger:   logger,
		onEvent:  request.OnEvent,
		validate: request.ValidateToolCall,
	}
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		reader.consume(stdout)
	}()

	waitDone := make(chan error, 1)
	go func() {
		<-readDone
		waitDone <- process.Wait()
	}()

	select {
	case err := <-waitDone:
		return r.settle(logger, outcome, reader, process, err), nil

	case <-deadline:
		logger.Warn("run deadline exceeded, killing process", "timeout", timeout)
		if r.kill(logger, process, waitDone) {
			outcome.ToolCalls = reader.toolCalls
		}
		outcome.ErrorKind = ErrorTimeout
		outcome.ErrorDetail = fmt.Sprintf("run exceeded %s deadline", timeout)
		return outcome, nil

	case <-ctx.Done():
		logger.Warn("run canceled, killing process", "cause", ctx.Err())
		if r.kill(logger, process, waitDone) {
			outcome.ToolCalls = reader.toolCalls
		}
		outcome.ErrorKind = ErrorTimeout
		outcome.ErrorDetail = fmt.Sprintf("run canceled: %v", ctx.Err())
		return outcome, nil
	}
}

// settle builds the final Outcome once the process has exited on its
// own. The terminal result event wins over the exit status: an
// assistant that reported a result and then exited non-zero still
// produced a usable answer, so the mismatch is only logged.
func (r *Runner) settle(logger *slog.Logger, outcome Outcome, reader *streamReader, process Process, exitErr error) Outcome {
	outcome.ToolCalls = reader.toolCalls

	if result := reader.result; result != nil {
		if exitErr != nil {
			logger.Warn("process exited non-zero after reporting a result", "error", exitErr)
		}
		outcome.ResultObserved = true
		outcome.Content = result.Text
		outcome.SessionID = result.SessionID
		outcome.CostUSD = result.CostUSD
		outcome.DurationMS = result.DurationMS
		outcome.TurnCount = result.TurnCount
		if result.IsError {
			outcome.ErrorKind = ErrorProcessFailure
			outcome.ErrorDetail = fmt.Sprintf("assistant reported failure (%s): %s", result.ErrorSubtype, result.Text)
			return outcome
		}
		outcome.OK = true
		return outcome
	}

	stderr := process.Stderr()
	if exitErr != nil {
		outcome.ErrorKind = ErrorProcessFailure
		outcome.ErrorDetail = describeProcessFailure(exitErr, stderr)
		return outcome
	}

	outcome.ErrorKind = ErrorParsingFailure
	outcome.ErrorDetail = "process exited cleanly without a terminal result"
	logger.Error("stream ended without a result event", "stderr", stderr)
	return outcome
}

// kill sends SIGKILL and waits at most the grace window for the exit
// to land. It reports whether the process exited within the window.
// A process that survives is logged as leaked and abandoned; its
// reader goroutine drains on its own when the pipe closes, which is
// also why the caller must not touch reader state on a leak.
func (r *Runner) kill(logger *slog.Logger, process Process, waitDone <-chan error) bool {
	if err := process.Signal(syscall.SIGKILL); err != nil {
		logger.Error("sending kill signal", "error", err)
	}
	select {
	case <-waitDone:
		return true
	case <-r.clock.After(r.graceWindow):
		logger.Error("process did not exit within the grace window, leaking it", "grace", r.graceWindow)
		return false
	}
}

func (r *Runner) register(runID string, process Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[runID] = process
}

func (r *Runner) unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, runID)
}

// ActiveRuns returns the run IDs currently executing.
func (r *Runner) ActiveRuns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

// KillAll sends SIGKILL to every active run. Used on gateway shutdown.
func (r *Runner) KillAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for runID, process := range r.active {
		if err := process.Signal(syscall.SIGKILL); err != nil {
			r.logger.Error("killing active run", "run_id", runID, "error", err)
		}
	}
}

// usageLimitMarker is what the assistant prints on stderr when the
// account has exhausted its usage window.
const usageLimitMarker = "usage limit reached"

func describeProcessFailure(exitErr error, stderr string) string {
	if strings.Contains(strings.ToLower(stderr), usageLimitMarker) {
		return "assistant usage limit reached; retry after the limit window resets"
	}
	detail := fmt.Sprintf("process failed: %v", exitErr)
	if trimmed := strings.TrimSpace(stderr); trimmed != "" {
		detail = fmt.Sprintf("%s: %s", detail, trimmed)
	}
	return detail
}

// streamReader consumes stdout line by line, parsing each into an
// event. It runs on a single goroutine, so its fields need no lock;
// the channel close in Execute publishes them to the settling
// goroutine.
type streamReader struct {
	logger   *slog.Logger
	onEvent  func(stream.Event)
	validate func(stream.ToolCall) stream.ToolCall

	result    *stream.ResultEvent
	toolCalls []stream.ToolCall
	sawSecond bool
}

func (sr *streamReader) consume(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if sr.sawSecond {
			continue
		}

		event, ok := stream.ParseLine(line)
		if !ok {
			sr.logger.Warn("skipping unparseable stream line", "line", truncateForLog(line))
			continue
		}

		switch event.Type {
		case stream.EventAssistant:
			if sr.validate != nil {
				for i := range event.Assistant.ToolCalls {
					event.Assistant.ToolCalls[i] = sr.validate(event.Assistant.ToolCalls[i])
				}
			}
			sr.toolCalls = append(sr.toolCalls, event.Assistant.ToolCalls...)
		case stream.EventResult:
			if sr.result != nil {
				sr.logger.Error("second result event on one stream, keeping the first")
				sr.sawSecond = true
				continue
			}
			result := *event.Result
			sr.result = &result
		}

		if sr.onEvent != nil {
			sr.onEvent(event)
		}
	}
	if err := scanner.Err(); err != nil {
		// Killed processes close the pipe mid-line; nothing
		// actionable beyond the note.
		sr.logger.Warn("stdout scan ended with error", "error", err)
	}
}

func truncateForLog(line []byte) string {
	const limit = 200
	if len(line) <= limit {
		return string(line)
	}
	return string(line[:limit]) + "..."
}
