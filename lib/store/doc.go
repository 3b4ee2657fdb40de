// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists gateway state in a local SQLite database:
// session rows, interaction records, and the cost settlement ledger.
//
// Sessions are plain rows keyed by conversation id; the session
// manager owns their lifecycle and uses the store for durability
// across restarts. Interaction records are content-addressed: the
// canonical CBOR encoding of the record is hashed with BLAKE3 to form
// the record id and stored zstd-compressed, so identical replays
// collapse to one row and a record can be verified against its id.
//
// The settlement ledger is what makes cost reconciliation idempotent.
// Every run settles exactly once under its run id (PRIMARY KEY); a
// replayed settlement is detected and reported as already applied, so
// a retried reconciliation never double-charges an owner's budget.
package store
