// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"bytes"
	"encoding/json"
	"strings"
)

// envelope is the common outer shape of every stream-json line.
type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

// ParseLine parses a single stream-json line into at most one Event.
//
// The boolean result is false for blank or malformed lines; the
// caller logs and skips those, and a parse failure never aborts a run.
// Well-formed lines with an unrecognized type return an EventIgnored
// event so that future protocol additions pass through harmlessly.
func ParseLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}

	var outer envelope
	if err := json.Unmarshal(line, &outer); err != nil || outer.Type == "" {
		return Event{}, false
	}

	switch outer.Type {
	case "assistant":
		return parseAssistant(line)
	case "system":
		if outer.Subtype != "init" {
			return Event{Type: EventIgnored}, true
		}
		return parseSystemInit(line)
	case "result":
		return parseResult(line)
	default:
		return Event{Type: EventIgnored}, true
	}
}

// assistantLine mirrors the assistant message wire shape: an ordered
// list of content blocks, each either free text or a tool invocation.
type assistantLine struct {
	Message struct {
		Content []struct {
			Type  string         `json:"type"`
			Text  string         `json:"text"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
	} `json:"message"`
}

func parseAssistant(line []byte) (Event, bool) {
	var parsed assistantLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		return Event{}, false
	}

	var textParts []string
	var toolCalls []ToolCall
	for _, block := range parsed.Message.Content {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}

	return Event{
		Type: EventAssistant,
		Assistant: &AssistantEvent{
			Text:      strings.Join(textParts, "\n"),
			ToolCalls: toolCalls,
		},
	}, true
}

type systemInitLine struct {
	SessionID string   `json:"session_id"`
	Model     string   `json:"model"`
	Tools     []string `json:"tools"`
}

func parseSystemInit(line []byte) (Event, bool) {
	var parsed systemInitLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		return Event{}, false
	}
	return Event{
		Type: EventSystemInit,
		SystemInit: &SystemInitEvent{
			SessionID: parsed.SessionID,
			Model:     parsed.Model,
			Tools:     parsed.Tools,
		},
	}, true
}

// resultLine mirrors the terminal result shape. CostUSD appears as
// "cost_usd" in the grammar this parser targets; newer CLI builds
// report "total_cost_usd" instead, so both are accepted.
type resultLine struct {
	Subtype      string  `json:"subtype"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	CostUSD      float64 `json:"cost_usd"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	TurnCount    int64   `json:"num_turns"`
	IsError      bool    `json:"is_error"`
}

func parseResult(line []byte) (Event, bool) {
	var parsed resultLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		return Event{}, false
	}

	cost := parsed.CostUSD
	if cost == 0 {
		cost = parsed.TotalCostUSD
	}

	result := &ResultEvent{
		Text:       parsed.Result,
		SessionID:  parsed.SessionID,
		CostUSD:    cost,
		DurationMS: parsed.DurationMS,
		TurnCount:  parsed.TurnCount,
		IsError:    parsed.IsError,
	}
	if parsed.IsError {
		result.ErrorSubtype = parsed.Subtype
	}

	return Event{Type: EventResult, Result: result}, true
}
