// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

// overseerd runs one assistant request through the Overseer gateway:
// admission, session resolution, the assistant subprocess, tool-call
// validation, and cost settlement. Frontends (chat bridges, HTTP
// shims) embed lib/gateway directly; this binary is the operator's
// way to exercise and script the same pipeline.
//
// Configuration comes from OVERSEER_CONFIG or --config; there is no
// discovery. The prompt is the positional argument:
//
//	overseerd --owner alice --project alpha "rename the Config struct"
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/overseer-project/overseer/lib/config"
	"github.com/overseer-project/overseer/lib/gateway"
	"github.com/overseer-project/overseer/lib/store"
	"github.com/overseer-project/overseer/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var owner string
	var project string
	var logLevel string
	var showSessions bool

	flagSet := pflag.NewFlagSet("overseerd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to overseer.yaml (default: $OVERSEER_CONFIG)")
	flagSet.StringVar(&owner, "owner", "", "principal the request belongs to")
	flagSet.StringVar(&project, "project", "", "project directory name under the projects root")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showSessions, "sessions", false, "list the owner's live sessions instead of running a prompt")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("overseerd")
		return nil
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.StateDatabase), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	st, err := store.Open(store.Config{Path: cfg.Paths.StateDatabase, Logger: logger})
	if err != nil {
		return err
	}
	defer st.Close()

	gw, err := gateway.New(gateway.Options{Config: cfg, Store: st, Logger: logger})
	if err != nil {
		return err
	}
	defer gw.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if showSessions {
		return listSessions(ctx, gw, owner)
	}

	prompt := strings.Join(flagSet.Args(), " ")
	outcome, err := gw.Run(ctx, gateway.Request{Owner: owner, Project: project, Prompt: prompt})
	if err != nil {
		return err
	}

	if !outcome.OK {
		return fmt.Errorf("%s: %s", outcome.ErrorKind, outcome.ErrorDetail)
	}

	fmt.Println(outcome.Content)
	for _, call := range outcome.RejectedToolCalls() {
		fmt.Fprintf(os.Stderr, "rejected tool call %s: %s\n", call.Name, call.RejectionReason)
	}
	fmt.Fprintf(os.Stderr, "run %s: $%.4f, %d turns, %dms\n",
		outcome.RunID, outcome.CostUSD, outcome.TurnCount, outcome.DurationMS)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func listSessions(ctx context.Context, gw *gateway.Gateway, owner string) error {
	if owner == "" {
		return fmt.Errorf("--sessions requires --owner")
	}
	records := gw.Sessions().OwnerSessions(ctx, owner)
	if len(records) == 0 {
		fmt.Println("no live sessions")
		return nil
	}
	remaining, err := gw.Remaining(ctx, owner)
	if err != nil {
		return err
	}
	for _, record := range records {
		fmt.Printf("%s\tmessages=%d\tcost=$%.4f\tlast_active=%s\n",
			record.ID, record.MessageCount, record.AccumulatedCostUSD,
			record.LastActiveAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("remaining daily budget: $%.2f\n", remaining)
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})), nil
}
