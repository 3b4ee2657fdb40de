// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package toolpolicy

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/overseer-project/overseer/lib/pathguard"
	"github.com/overseer-project/overseer/lib/stream"
)

// Validator checks each tool call of one run against the policy and
// the run's path boundary. It is created per run because the boundary
// root is the run's working directory.
type Validator struct {
	policy       Policy
	boundaryRoot string
	logger       *slog.Logger

	rejected []stream.ToolCall
}

// NewValidator creates a validator for one run. boundaryRoot is the
// run's already-sandboxed working directory. A nil logger discards.
func NewValidator(policy Policy, boundaryRoot string, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Validator{
		policy:       policy,
		boundaryRoot: boundaryRoot,
		logger:       logger,
	}
}

// Validate annotates one tool call with the policy decision. The
// returned call has Validated set, and RejectionReason populated on
// rejection. Rejection never aborts the run; the caller keeps
// streaming, but every rejection is retained for Rejected().
func (v *Validator) Validate(call stream.ToolCall) stream.ToolCall {
	reason := v.check(call)
	if reason == "" {
		call.Validated = true
		return call
	}

	call.Validated = false
	call.RejectionReason = reason
	v.rejected = append(v.rejected, call)
	v.logger.Warn("tool call rejected",
		"tool", call.Name,
		"reason", reason,
		"boundary", v.boundaryRoot,
	)
	return call
}

// check returns the rejection reason, or "" when the call passes.
func (v *Validator) check(call stream.ToolCall) string {
	if !v.policy.Allows(call.Name) {
		return fmt.Sprintf("tool not allowed: %s", call.Name)
	}

	if !v.policy.IsFileTool(call.Name) {
		return ""
	}

	path := filePathInput(call.Input)
	if path == "" {
		return fmt.Sprintf("file tool %s carries no path", call.Name)
	}

	resolution := pathguard.Validate(path, v.boundaryRoot)
	switch resolution.Status {
	case pathguard.StatusOK:
		return ""
	case pathguard.StatusViolation:
		return fmt.Sprintf("path escapes working directory: %s", resolution.Reason)
	default:
		return fmt.Sprintf("malformed path: %s", resolution.Reason)
	}
}

// Rejected returns every call this validator rejected, in order.
func (v *Validator) Rejected() []stream.ToolCall {
	return v.rejected
}

// CheckInit compares the tool set the assistant advertised at startup
// with the allow-list and logs any drift. The assistant holding tools
// the policy does not grant is not itself a failure, since every call
// is still checked individually, but it means the launch arguments and
// the policy disagree, which operators should know about.
func (v *Validator) CheckInit(init *stream.SystemInitEvent) {
	unknown := v.policy.UnknownAdvertised(init.Tools)
	if len(unknown) > 0 {
		v.logger.Warn("assistant advertises tools outside the allow-list",
			"tools", unknown,
			"session_id", init.SessionID,
		)
	}
}

// filePathInput extracts the path parameter from a tool input payload.
// The assistant's file tools use "file_path"; a few older ones use
// "path".
func filePathInput(input map[string]any) string {
	for _, key := range []string{"file_path", "path"} {
		if value, ok := input[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}
