// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads gateway configuration.
//
// Configuration comes from a single YAML file named by:
//   - the OVERSEER_CONFIG environment variable, or
//   - a --config flag passed to the command.
//
// There are no fallbacks or automatic discovery, and environment
// variables never override file values. Deterministic, auditable
// configuration with no hidden overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can say "90s" or "4h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the gateway's full configuration.
type Config struct {
	// Assistant configures the CLI subprocess.
	Assistant AssistantConfig `yaml:"assistant"`

	// Sessions configures conversation tracking.
	Sessions SessionConfig `yaml:"sessions"`

	// Governor configures per-owner rate and budget admission.
	Governor GovernorConfig `yaml:"governor"`

	// Paths configures file locations.
	Paths PathsConfig `yaml:"paths"`
}

// AssistantConfig configures the assistant CLI.
type AssistantConfig struct {
	// Binary is the assistant executable, resolved via PATH when not
	// absolute.
	Binary string `yaml:"binary"`

	// MaxTurns caps agentic turns per run. Zero omits the cap.
	MaxTurns int `yaml:"max_turns"`

	// RunTimeout bounds one run from spawn to terminal result.
	RunTimeout Duration `yaml:"run_timeout"`

	// GraceWindow is how long to await exit after a kill.
	GraceWindow Duration `yaml:"grace_window"`
}

// SessionConfig configures the session table.
type SessionConfig struct {
	// OwnerCeiling is the live session cap per owner.
	OwnerCeiling int `yaml:"owner_ceiling"`

	// IdleTimeout discards conversations untouched this long.
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// GovernorConfig configures admission control.
type GovernorConfig struct {
	// BucketCapacity is the per-owner burst size.
	BucketCapacity float64 `yaml:"bucket_capacity"`

	// RefillEvery is the time to regain one token.
	RefillEvery Duration `yaml:"refill_every"`

	// DailyBudgetUSD is the per-owner spend ceiling per UTC day.
	DailyBudgetUSD float64 `yaml:"daily_budget_usd"`

	// ReservationUSD is the provisional hold per admitted run.
	ReservationUSD float64 `yaml:"reservation_usd"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// StateDatabase is the SQLite file for sessions, interaction
	// records, and the settlement ledger. The parent directory is
	// created on open.
	StateDatabase string `yaml:"state_database"`

	// ProjectsRoot is the directory that holds per-conversation
	// working directories. Every run's path boundary lives under it.
	// Must be absolute.
	ProjectsRoot string `yaml:"projects_root"`

	// ToolPolicyProfile is an optional JSONC tool policy file. Empty
	// means the built-in default policy.
	ToolPolicyProfile string `yaml:"tool_policy_profile"`
}

// Default returns the base configuration merged under any loaded file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".cache", "overseer")

	return &Config{
		Assistant: AssistantConfig{
			Binary:      "claude",
			MaxTurns:    10,
			RunTimeout:  Duration(5 * time.Minute),
			GraceWindow: Duration(5 * time.Second),
		},
		Sessions: SessionConfig{
			OwnerCeiling: 8,
			IdleTimeout:  Duration(4 * time.Hour),
		},
		Governor: GovernorConfig{
			BucketCapacity: 5,
			RefillEvery:    Duration(30 * time.Second),
			DailyBudgetUSD: 10,
			ReservationUSD: 0.50,
		},
		Paths: PathsConfig{
			StateDatabase: filepath.Join(stateDir, "state.db"),
			ProjectsRoot:  filepath.Join(stateDir, "projects"),
		},
	}
}

// Load reads the file named by OVERSEER_CONFIG. Fails when the
// variable is unset; there is no search path.
func Load() (*Config, error) {
	path := os.Getenv("OVERSEER_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("config: OVERSEER_CONFIG is not set; " +
			"point it at your overseer.yaml or pass --config")
	}
	return LoadFile(path)
}

// LoadFile reads one configuration file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Assistant.Binary == "" {
		return fmt.Errorf("assistant.binary must not be empty")
	}
	if c.Assistant.MaxTurns < 0 {
		return fmt.Errorf("assistant.max_turns must not be negative")
	}
	if c.Assistant.RunTimeout <= 0 {
		return fmt.Errorf("assistant.run_timeout must be positive")
	}
	if c.Assistant.GraceWindow <= 0 {
		return fmt.Errorf("assistant.grace_window must be positive")
	}
	if c.Sessions.OwnerCeiling <= 0 {
		return fmt.Errorf("sessions.owner_ceiling must be positive")
	}
	if c.Sessions.IdleTimeout <= 0 {
		return fmt.Errorf("sessions.idle_timeout must be positive")
	}
	if c.Governor.BucketCapacity <= 0 {
		return fmt.Errorf("governor.bucket_capacity must be positive")
	}
	if c.Governor.RefillEvery <= 0 {
		return fmt.Errorf("governor.refill_every must be positive")
	}
	if c.Governor.DailyBudgetUSD <= 0 {
		return fmt.Errorf("governor.daily_budget_usd must be positive")
	}
	if c.Governor.ReservationUSD <= 0 {
		return fmt.Errorf("governor.reservation_usd must be positive")
	}
	if c.Paths.StateDatabase == "" {
		return fmt.Errorf("paths.state_database must not be empty")
	}
	if !filepath.IsAbs(c.Paths.ProjectsRoot) {
		return fmt.Errorf("paths.projects_root must be absolute, got %q", c.Paths.ProjectsRoot)
	}
	return nil
}
