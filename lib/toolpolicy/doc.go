// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

// Package toolpolicy validates the tool calls an assistant makes
// during a run against an allow-list, an explicit deny-list, and, for
// file-touching tools, a path boundary check anchored at the run's
// working directory.
//
// Validation never aborts a run in progress: a rejected call is marked
// validated=false with a reason and aggregated into the run outcome
// for the caller to audit or flag as a security event. Policies are
// loaded from JSONC profile files so operators can annotate them with
// comments.
package toolpolicy
