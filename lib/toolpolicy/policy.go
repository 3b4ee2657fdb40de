// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package toolpolicy

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/tidwall/jsonc"
)

// Policy describes which tools a run may use.
type Policy struct {
	// AllowedTools is the closed set of permitted tool names. A call
	// whose name is outside this set is rejected regardless of input.
	AllowedTools []string `json:"allowed_tools"`

	// DeniedTools is an explicit deny-list checked before the
	// allow-list. It exists so a profile can carve exceptions out of a
	// broad allow-list without rewriting it.
	DeniedTools []string `json:"denied_tools"`

	// FileTools names the tools whose input carries a filesystem path
	// ("file_path" or "path"). Calls to these tools additionally pass
	// through the path boundary check.
	FileTools []string `json:"file_tools"`
}

// Default returns the stock policy: the assistant's standard tool set,
// with version-control publishing tools denied.
func Default() Policy {
	return Policy{
		AllowedTools: []string{
			"Read", "Write", "Edit", "MultiEdit", "Bash",
			"Glob", "Grep", "LS", "Task",
			"NotebookRead", "NotebookEdit",
			"WebFetch", "WebSearch",
			"TodoRead", "TodoWrite",
		},
		DeniedTools: []string{"git commit", "git push"},
		FileTools: []string{
			"Read", "Write", "Edit", "MultiEdit",
			"NotebookRead", "NotebookEdit",
		},
	}
}

// LoadProfile reads a policy from a JSONC profile file. Missing lists
// fall back to the corresponding Default() list so a profile only
// needs to state what it changes.
func LoadProfile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("toolpolicy: reading profile: %w", err)
	}

	var policy Policy
	if err := json.Unmarshal(jsonc.ToJSON(data), &policy); err != nil {
		return Policy{}, fmt.Errorf("toolpolicy: parsing profile %s: %w", path, err)
	}

	defaults := Default()
	if policy.AllowedTools == nil {
		policy.AllowedTools = defaults.AllowedTools
	}
	if policy.DeniedTools == nil {
		policy.DeniedTools = defaults.DeniedTools
	}
	if policy.FileTools == nil {
		policy.FileTools = defaults.FileTools
	}
	return policy, nil
}

// Allows reports whether name passes the deny- and allow-lists.
func (p Policy) Allows(name string) bool {
	if slices.Contains(p.DeniedTools, name) {
		return false
	}
	return slices.Contains(p.AllowedTools, name)
}

// IsFileTool reports whether name is a file-touching tool subject to
// the path boundary check.
func (p Policy) IsFileTool(name string) bool {
	return slices.Contains(p.FileTools, name)
}

// UnknownAdvertised returns the tools the assistant announced in its
// init event that are absent from the allow-list. A non-empty result
// is a conformance drift signal: the assistant was launched with a
// wider tool set than the policy grants.
func (p Policy) UnknownAdvertised(advertised []string) []string {
	var unknown []string
	for _, name := range advertised {
		if !slices.Contains(p.AllowedTools, name) {
			unknown = append(unknown, name)
		}
	}
	return unknown
}
