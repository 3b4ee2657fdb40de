// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/overseer-project/overseer/lib/clock"
	"github.com/overseer-project/overseer/lib/command"
	"github.com/overseer-project/overseer/lib/config"
	"github.com/overseer-project/overseer/lib/governor"
	"github.com/overseer-project/overseer/lib/runner"
	"github.com/overseer-project/overseer/lib/session"
	"github.com/overseer-project/overseer/lib/store"
	"github.com/overseer-project/overseer/lib/stream"
	"github.com/overseer-project/overseer/lib/toolpolicy"
)

// Options assembles a Gateway. Config and Store are required; Launcher
// and Clock default to the real implementations.
type Options struct {
	Config   *config.Config
	Store    *store.Store
	Logger   *slog.Logger
	Clock    clock.Clock
	Launcher runner.Launcher
}

// Gateway wires the pipeline together. Safe for concurrent use.
type Gateway struct {
	config   *config.Config
	store    *store.Store
	logger   *slog.Logger
	clock    clock.Clock
	policy   toolpolicy.Policy
	sessions *session.Manager
	governor *governor.Governor
	runner   *runner.Runner
}

// Request is one user message bound for the assistant.
type Request struct {
	// Owner is the principal the message belongs to.
	Owner string

	// Project names the working directory under the configured
	// projects root. A bare name, no path separators.
	Project string

	// Prompt is the user's message.
	Prompt string
}

// New builds a Gateway over an open store.
func New(options Options) (*Gateway, error) {
	if options.Config == nil {
		return nil, fmt.Errorf("gateway: Config is required")
	}
	if options.Store == nil {
		return nil, fmt.Errorf("gateway: Store is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}

	policy := toolpolicy.Default()
	if profile := options.Config.Paths.ToolPolicyProfile; profile != "" {
		loaded, err := toolpolicy.LoadProfile(profile)
		if err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
		policy = loaded
	}

	sessions, err := session.NewManager(context.Background(), session.Config{
		Store:        options.Store,
		Clock:        options.Clock,
		Logger:       logger,
		OwnerCeiling: options.Config.Sessions.OwnerCeiling,
		IdleTimeout:  options.Config.Sessions.IdleTimeout.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	admission, err := governor.New(governor.Config{
		Ledger:         options.Store,
		Clock:          options.Clock,
		Logger:         logger,
		BucketCapacity: options.Config.Governor.BucketCapacity,
		RefillEvery:    options.Config.Governor.RefillEvery.Std(),
		DailyBudgetUSD: options.Config.Governor.DailyBudgetUSD,
		ReservationUSD: options.Config.Governor.ReservationUSD,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	return &Gateway{
		config:   options.Config,
		store:    options.Store,
		logger:   logger,
		clock:    options.Clock,
		policy:   policy,
		sessions: sessions,
		governor: admission,
		runner: runner.New(runner.Config{
			Launcher:    options.Launcher,
			Clock:       options.Clock,
			Logger:      logger,
			GraceWindow: options.Config.Assistant.GraceWindow.Std(),
		}),
	}, nil
}

// Run executes one request end to end and returns exactly one Outcome.
func (g *Gateway) Run(ctx context.Context, request Request) (runner.Outcome, error) {
	runID, err := newRunID()
	if err != nil {
		return runner.Outcome{}, fmt.Errorf("gateway: generating run id: %w", err)
	}
	logger := g.logger.With("run_id", runID, "owner", request.Owner)

	if reason := validateRequest(request); reason != "" {
		return refusal(runID, runner.ErrorConfiguration, reason), nil
	}
	workingDirectory := filepath.Join(g.config.Paths.ProjectsRoot, request.Project)

	reservation, denial, err := g.governor.Acquire(ctx, request.Owner)
	if err != nil {
		return runner.Outcome{}, fmt.Errorf("gateway: run %s: %w", runID, err)
	}
	if denial != nil {
		return refusal(runID, runner.ErrorGovernorDenied, denial.Detail), nil
	}

	handle, err := g.sessions.Acquire(ctx, request.Owner, workingDirectory)
	if err != nil {
		// The admission hold must not leak when the session refuses.
		if settleErr := reservation.Settle(ctx, runID, 0); settleErr != nil {
			logger.Error("settling refused run", "error", settleErr)
		}
		if errors.Is(err, session.ErrBusy) || errors.Is(err, session.ErrOwnerSaturated) {
			return refusal(runID, runner.ErrorGovernorDenied, err.Error()), nil
		}
		return runner.Outcome{}, fmt.Errorf("gateway: run %s: %w", runID, err)
	}

	outcome, err := g.execute(ctx, logger, runID, request, workingDirectory, handle)

	if settleErr := reservation.Settle(ctx, runID, outcome.CostUSD); settleErr != nil {
		logger.Error("settling run cost", "error", settleErr)
	}
	if err != nil {
		handle.Release()
		return runner.Outcome{}, err
	}

	if outcome.ResultObserved {
		update := session.Update{
			AssistantSessionID: outcome.SessionID,
			CostUSD:            outcome.CostUSD,
			Turns:              outcome.TurnCount,
			ToolsUsed:          validatedToolNames(outcome.ToolCalls),
		}
		if completeErr := handle.Complete(ctx, update); completeErr != nil {
			logger.Error("updating session", "error", completeErr)
		}
	} else {
		handle.Release()
	}

	g.persistInteraction(ctx, logger, runID, request, outcome)
	return outcome, nil
}

// execute covers the spawn-to-outcome stretch: everything that needs
// the session handle but must not mutate it.
func (g *Gateway) execute(ctx context.Context, logger *slog.Logger, runID string, request Request, workingDirectory string, handle *session.Handle) (runner.Outcome, error) {
	if err := os.MkdirAll(workingDirectory, 0o755); err != nil {
		return refusal(runID, runner.ErrorConfiguration,
			fmt.Sprintf("creating working directory: %v", err)), nil
	}

	argv, err := command.Build(command.Spec{
		Binary:       g.config.Assistant.Binary,
		Prompt:       request.Prompt,
		SessionID:    handle.Record.AssistantSessionID,
		MaxTurns:     g.config.Assistant.MaxTurns,
		AllowedTools: g.policy.AllowedTools,
	})
	if err != nil {
		return refusal(runID, runner.ErrorConfiguration, err.Error()), nil
	}

	validator := toolpolicy.NewValidator(g.policy, workingDirectory, logger)
	outcome, err := g.runner.Execute(ctx, runner.Request{
		RunID:            runID,
		Argv:             argv,
		WorkingDirectory: workingDirectory,
		Timeout:          g.config.Assistant.RunTimeout.Std(),
		ValidateToolCall: validator.Validate,
		OnEvent: func(event stream.Event) {
			if event.Type == stream.EventSystemInit {
				validator.CheckInit(event.SystemInit)
			}
		},
	})
	if err != nil {
		return runner.Outcome{}, fmt.Errorf("gateway: run %s: %w", runID, err)
	}
	return outcome, nil
}

// persistInteraction writes the exchange to the interaction log. A
// failed write is logged, not returned: the outcome already happened
// and the caller deserves it.
func (g *Gateway) persistInteraction(ctx context.Context, logger *slog.Logger, runID string, request Request, outcome runner.Outcome) {
	record := store.InteractionRecord{
		RunID:       runID,
		SessionID:   session.Key(request.Owner, filepath.Join(g.config.Paths.ProjectsRoot, request.Project)),
		Owner:       request.Owner,
		CreatedAt:   g.clock.Now(),
		Prompt:      request.Prompt,
		Response:    outcome.Content,
		CostUSD:     outcome.CostUSD,
		DurationMS:  outcome.DurationMS,
		TurnCount:   outcome.TurnCount,
		ErrorKind:   string(outcome.ErrorKind),
		ErrorDetail: outcome.ErrorDetail,
	}
	for _, call := range outcome.ToolCalls {
		record.ToolCalls = append(record.ToolCalls, store.ToolCallRecord{
			Name:            call.Name,
			Validated:       call.Validated,
			RejectionReason: call.RejectionReason,
		})
	}
	if _, err := g.store.SaveInteraction(ctx, record); err != nil {
		logger.Error("persisting interaction", "error", err)
	}
}

// Shutdown kills every in-flight run. The store is owned by the
// caller and closed separately.
func (g *Gateway) Shutdown() {
	active := g.runner.ActiveRuns()
	if len(active) > 0 {
		g.logger.Warn("killing active runs on shutdown", "count", len(active))
	}
	g.runner.KillAll()
}

// Sessions exposes the session manager for frontends that list or
// close conversations.
func (g *Gateway) Sessions() *session.Manager {
	return g.sessions
}

// Remaining reports the owner's remaining daily budget.
func (g *Gateway) Remaining(ctx context.Context, owner string) (float64, error) {
	return g.governor.Remaining(ctx, owner)
}

func validateRequest(request Request) string {
	switch {
	case request.Owner == "":
		return "owner is required"
	case request.Prompt == "":
		return "prompt is required"
	case request.Project == "":
		return "project is required"
	case strings.ContainsAny(request.Project, "/\\") || request.Project == "." || request.Project == "..":
		return fmt.Sprintf("project must be a bare directory name, got %q", request.Project)
	default:
		return ""
	}
}

func refusal(runID string, kind runner.ErrorKind, detail string) runner.Outcome {
	return runner.Outcome{
		RunID:       runID,
		ErrorKind:   kind,
		ErrorDetail: detail,
	}
}

func validatedToolNames(calls []stream.ToolCall) []string {
	var names []string
	for _, call := range calls {
		if call.Validated {
			names = append(names, call.Name)
		}
	}
	return names
}

func newRunID() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return "run-" + hex.EncodeToString(raw[:]), nil
}
