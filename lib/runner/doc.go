// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner spawns the assistant CLI and turns its stream-json
// stdout into an Outcome.
//
// Each Execute call owns an independent process handle; invocations
// run fully concurrently with no global process ceiling. Stdout is
// read line by line and handed to the stream parser; a line that fails
// to parse is logged and skipped, never aborting the run. A deadline
// runs from invocation start; on expiry the process is killed and the
// runner awaits its exit for a bounded grace window. Events are
// delivered to the caller in exactly the order the process emitted
// them.
//
// The process boundary is the Launcher/Process pair so that tests
// substitute a scripted fake for a real subprocess.
package runner
