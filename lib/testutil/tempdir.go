// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"path/filepath"
	"testing"
)

// TempDatabasePath returns a path for a throwaway SQLite database inside
// a test-scoped temporary directory. The parent directory exists; the
// database file does not (the store creates it on open).
func TempDatabasePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "overseer.db")
}
