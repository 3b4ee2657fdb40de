// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the single entry point frontends call: one
// Run per user message, one Outcome back.
//
// Run threads a request through the full pipeline. Admission first
// (rate and budget, then the conversation's in-flight slot), then the
// command line is assembled, the assistant spawned, and its event
// stream validated tool call by tool call. Afterwards the reservation
// settles at the observed cost, session counters advance only if a
// terminal result was confirmed, and the whole exchange is written to
// the interaction log.
//
// Refusals and run failures are reported inside the Outcome under
// their error kind; the error return carries only infrastructure
// faults (storage unavailable and the like).
package gateway
