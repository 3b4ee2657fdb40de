// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package pathguard

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Status classifies the outcome of a boundary check.
type Status string

const (
	// StatusOK means the path resolves inside the boundary root.
	StatusOK Status = "ok"

	// StatusViolation means the path is well-formed but escapes the
	// boundary root.
	StatusViolation Status = "violation"

	// StatusMalformed means the path could not be checked at all
	// (empty, embedded NUL, or a non-absolute boundary root).
	StatusMalformed Status = "malformed"
)

// Resolution is the result of a boundary check.
type Resolution struct {
	Status Status

	// ResolvedPath is the cleaned absolute path, set when Status is
	// StatusOK.
	ResolvedPath string

	// Reason describes the failure, set when Status is not StatusOK.
	Reason string
}

// Validate checks that path stays inside boundaryRoot. Relative paths
// are resolved against the boundary root, matching how the assistant
// interprets tool paths relative to its working directory.
func Validate(path, boundaryRoot string) Resolution {
	if boundaryRoot == "" || !filepath.IsAbs(boundaryRoot) {
		return Resolution{
			Status: StatusMalformed,
			Reason: fmt.Sprintf("boundary root must be absolute, got %q", boundaryRoot),
		}
	}
	if path == "" {
		return Resolution{Status: StatusMalformed, Reason: "empty path"}
	}
	if strings.ContainsRune(path, 0) {
		return Resolution{Status: StatusMalformed, Reason: "path contains NUL byte"}
	}

	root := filepath.Clean(boundaryRoot)

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)

	relative, err := filepath.Rel(root, resolved)
	if err != nil {
		return Resolution{
			Status: StatusMalformed,
			Reason: fmt.Sprintf("cannot resolve %q against %q: %v", path, root, err),
		}
	}
	if relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return Resolution{
			Status: StatusViolation,
			Reason: fmt.Sprintf("%q escapes boundary %q", path, root),
		}
	}

	return Resolution{Status: StatusOK, ResolvedPath: resolved}
}
