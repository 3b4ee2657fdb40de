// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "time"

// SessionRecord is the persisted form of one conversation.
type SessionRecord struct {
	// ID is the gateway-side conversation key.
	ID string `cbor:"id"`

	// Owner is the principal the session belongs to.
	Owner string `cbor:"owner"`

	// AssistantSessionID is the assistant-side conversation id used
	// to resume. Empty until the first run reports one.
	AssistantSessionID string `cbor:"assistant_session_id"`

	// WorkingDirectory is the session's path boundary.
	WorkingDirectory string `cbor:"working_directory"`

	CreatedAt    time.Time `cbor:"created_at"`
	LastActiveAt time.Time `cbor:"last_active_at"`

	// AccumulatedCostUSD only ever grows; failed runs still settle
	// their observed cost.
	AccumulatedCostUSD float64 `cbor:"accumulated_cost_usd"`

	AccumulatedTurns int64 `cbor:"accumulated_turns"`
	MessageCount     int64 `cbor:"message_count"`

	// ToolsUsed is the distinct set of tool names seen across the
	// session's runs, sorted.
	ToolsUsed []string `cbor:"tools_used"`
}

// InteractionRecord is the durable transcript of one run.
type InteractionRecord struct {
	RunID     string    `cbor:"run_id"`
	SessionID string    `cbor:"session_id"`
	Owner     string    `cbor:"owner"`
	CreatedAt time.Time `cbor:"created_at"`

	Prompt   string `cbor:"prompt"`
	Response string `cbor:"response"`

	CostUSD    float64 `cbor:"cost_usd"`
	DurationMS int64   `cbor:"duration_ms"`
	TurnCount  int64   `cbor:"turn_count"`

	// ErrorKind and ErrorDetail are empty on success.
	ErrorKind   string `cbor:"error_kind,omitempty"`
	ErrorDetail string `cbor:"error_detail,omitempty"`

	ToolCalls []ToolCallRecord `cbor:"tool_calls,omitempty"`
}

// ToolCallRecord is one tool invocation within an interaction.
type ToolCallRecord struct {
	Name            string `cbor:"name"`
	Validated       bool   `cbor:"validated"`
	RejectionReason string `cbor:"rejection_reason,omitempty"`
}
