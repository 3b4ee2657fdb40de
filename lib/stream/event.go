// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package stream

// EventType classifies parsed stream events.
type EventType string

const (
	// EventAssistant is an assistant turn: free text and/or tool
	// invocations.
	EventAssistant EventType = "assistant"

	// EventSystemInit is the initial system message announcing the
	// session id, model, and the tool set available for this run.
	EventSystemInit EventType = "system_init"

	// EventResult is the terminal event carrying the final text and
	// run metrics. Exactly one Result terminates a well-formed run.
	EventResult EventType = "result"

	// EventIgnored is a well-formed line whose type is not part of the
	// recognized protocol subset. Ignored events are counted but
	// otherwise skipped.
	EventIgnored EventType = "ignored"
)

// Event is the tagged union of recognized stream shapes. Exactly one
// of the pointer fields matching Type is non-nil.
type Event struct {
	Type       EventType
	Assistant  *AssistantEvent
	SystemInit *SystemInitEvent
	Result     *ResultEvent
}

// AssistantEvent is one assistant turn. Text concatenates the turn's
// ordered text blocks; ToolCalls preserves the order of tool_use
// blocks.
type AssistantEvent struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is a structured action the assistant requests during a run.
// Validated and RejectionReason are populated by the tool policy after
// parsing; a freshly parsed call is unvalidated.
type ToolCall struct {
	// ID is the runtime's tool_use identifier.
	ID string

	// Name is the tool name (e.g., "Read", "Bash", "Edit").
	Name string

	// Input is the tool input payload, keyed by parameter name.
	Input map[string]any

	// Validated reports whether the call passed the run's tool policy.
	Validated bool

	// RejectionReason is set when Validated is false.
	RejectionReason string
}

// SystemInitEvent announces the run's session and capabilities.
type SystemInitEvent struct {
	SessionID string
	Model     string
	Tools     []string
}

// ResultEvent is the terminal event of a run.
type ResultEvent struct {
	// Text is the assistant's final answer.
	Text string

	// SessionID is the conversation identifier the assistant assigned
	// or resumed. Used to resume the conversation on later runs.
	SessionID string

	// CostUSD is the total cost of the run.
	CostUSD float64

	// DurationMS is the run's wall-clock duration in milliseconds.
	DurationMS int64

	// TurnCount is the number of assistant turns (API round-trips).
	TurnCount int64

	// IsError reports whether the assistant itself declared the run
	// failed (e.g., max turns exceeded).
	IsError bool

	// ErrorSubtype carries the assistant's failure classification when
	// IsError is set (e.g., "error_max_turns").
	ErrorSubtype string
}
