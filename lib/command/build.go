// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"errors"
	"strconv"
	"strings"
)

// DefaultBinary is the assistant CLI binary resolved from PATH when
// the configuration does not pin an explicit path.
const DefaultBinary = "claude"

// ErrEmptyPrompt is returned when a non-resume invocation carries no
// prompt. The facade surfaces this as a configuration error before any
// process is spawned.
var ErrEmptyPrompt = errors.New("command: prompt is required unless resuming")

// Spec describes one assistant invocation.
type Spec struct {
	// Binary is the assistant CLI path. Empty means DefaultBinary.
	Binary string

	// Prompt is the user's message. May be empty only when Resume is
	// set (continue the conversation without new input).
	Prompt string

	// Resume continues an existing conversation instead of starting a
	// fresh one.
	Resume bool

	// SessionID is the assistant-side conversation id recorded for
	// this working directory, if any.
	SessionID string

	// MaxTurns caps the number of assistant turns for the run.
	MaxTurns int

	// AllowedTools is the run's tool allow-list, injected so the
	// assistant itself refuses tools outside it. The tool policy
	// re-checks every call on our side regardless.
	AllowedTools []string
}

// Build returns the full argument vector, binary first.
func Build(spec Spec) ([]string, error) {
	binary := spec.Binary
	if binary == "" {
		binary = DefaultBinary
	}

	argv := []string{binary}

	switch {
	case spec.Resume && spec.Prompt == "":
		// Continue without new input.
		argv = append(argv, "--continue")
		if spec.SessionID != "" {
			argv = append(argv, "--resume", spec.SessionID)
		}
	case spec.Resume && spec.SessionID != "":
		// Follow-up message in an existing conversation.
		argv = append(argv, "--resume", spec.SessionID, "-p", spec.Prompt)
	case spec.Prompt != "":
		// Fresh prompt. A prior conversation id recorded for this
		// working directory is still offered for resumption.
		argv = append(argv, "-p", spec.Prompt)
		if spec.SessionID != "" {
			argv = append(argv, "--resume", spec.SessionID)
		}
	default:
		return nil, ErrEmptyPrompt
	}

	// stream-json requires --verbose in print mode.
	argv = append(argv, "--output-format", "stream-json", "--verbose")

	if spec.MaxTurns > 0 {
		argv = append(argv, "--max-turns", strconv.Itoa(spec.MaxTurns))
	}
	if len(spec.AllowedTools) > 0 {
		argv = append(argv, "--allowedTools", strings.Join(spec.AllowedTools, ","))
	}

	return argv, nil
}
