// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import "github.com/overseer-project/overseer/lib/stream"

// ErrorKind classifies run failures for the calling frontend.
type ErrorKind string

const (
	// ErrorTimeout: the deadline elapsed and the process was killed.
	ErrorTimeout ErrorKind = "timeout"

	// ErrorProcessFailure: the process exited non-zero without a
	// terminal result. Detail carries captured stderr.
	ErrorProcessFailure ErrorKind = "process_failure"

	// ErrorParsingFailure: the process exited cleanly but never
	// emitted a terminal result, which signals protocol drift.
	ErrorParsingFailure ErrorKind = "parsing_failure"

	// ErrorValidationDenied: a tool call was rejected by policy.
	// Non-fatal for the run; recorded on individual tool calls.
	ErrorValidationDenied ErrorKind = "validation_denied"

	// ErrorGovernorDenied: the rate/budget governor refused the run
	// before anything was spawned.
	ErrorGovernorDenied ErrorKind = "governor_denied"

	// ErrorConfiguration: the request was malformed (e.g., empty
	// prompt without resume). Never retried.
	ErrorConfiguration ErrorKind = "configuration"
)

// Outcome is the immutable result of one run: exactly one per Execute
// (and per facade invocation).
type Outcome struct {
	// RunID is the caller-assigned identifier for this run. Cost
	// reconciliation is keyed by it, making replays idempotent.
	RunID string

	// Content is the assistant's final answer text.
	Content string

	// SessionID is the assistant-side conversation id, for resuming.
	SessionID string

	// CostUSD, DurationMS, and TurnCount are the metrics reported by
	// the terminal result event.
	CostUSD    float64
	DurationMS int64
	TurnCount  int64

	// OK reports overall success.
	OK bool

	// ResultObserved reports whether a terminal result event arrived,
	// even one declaring failure. Session counters and cost
	// settlement only trust runs whose metrics were actually
	// reported.
	ResultObserved bool

	// ErrorKind and ErrorDetail are set when OK is false.
	ErrorKind   ErrorKind
	ErrorDetail string

	// ToolCalls lists every tool invocation observed during the run,
	// in order, annotated with the policy decision.
	ToolCalls []stream.ToolCall
}

// RejectedToolCalls returns the calls that failed validation.
func (o Outcome) RejectedToolCalls() []stream.ToolCall {
	var rejected []stream.ToolCall
	for _, call := range o.ToolCalls {
		if !call.Validated {
			rejected = append(rejected, call)
		}
	}
	return rejected
}
