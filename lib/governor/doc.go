// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

// Package governor admits or refuses runs per owner, on two axes:
//
//   - Rate: a token bucket per owner. Each admitted run spends one
//     token; tokens refill continuously up to the bucket capacity.
//   - Budget: a daily USD ceiling per owner. Admission places a
//     provisional hold sized by the configured reservation; settlement
//     replaces the hold with the run's observed cost.
//
// Settlement goes through the ledger keyed by run id, so settling the
// same run twice (a crash between settle and acknowledge, a retried
// caller) changes nothing the second time. A denial is data, not an
// error: it carries the reason plus what the owner can still spend, so
// frontends can tell users when to come back.
//
// The spent totals come from the ledger, which means budget state
// survives restarts; the bucket is in-memory only and restarts full.
package governor
