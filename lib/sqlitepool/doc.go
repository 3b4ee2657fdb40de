// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the Overseer-standard SQLite connection
// pool.
//
// The gateway's durable state (sessions, interaction records, the
// reconciliation ledger) lives in a single local SQLite database. This
// package wraps zombiezen.com/go/sqlite with the defaults that state
// needs: WAL journal mode, NORMAL synchronous for process-crash
// durability without fsync-per-commit overhead, and a busy timeout so
// concurrent runs finishing at once do not surface SQLITE_BUSY.
//
// The pool is built on zombiezen's sqlitex.Pool, which manages a
// fixed-size set of connections. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back. Connections are NOT safe for
// concurrent use; each goroutine must hold its own connection for the
// duration of its work.
//
// Every connection is initialized with:
//
//   - journal_mode=WAL: concurrent readers with a single writer, so a
//     session lookup never blocks behind a finishing run's write.
//   - synchronous=NORMAL: transactions survive process crashes. Not
//     durable across power failure, which is acceptable here: the
//     ledger keeps reconciliation idempotent, so a replayed run after
//     a lost commit settles to the same totals.
//   - busy_timeout=5000: wait up to 5 seconds for the write lock
//     instead of failing immediately.
//   - foreign_keys=OFF: the store manages referential integrity
//     explicitly.
//   - cache_size=-8192: 8 MB page cache per connection.
//   - mmap_size=268435456: 256 MB memory-mapped reads.
//   - temp_store=MEMORY.
//
// The package is intentionally thin: standard pragmas, the pool
// pattern, and the raw zombiezen types. The store writes plain SQL
// with sqlitex.Execute and manages transactions itself; there is no
// query-builder layer.
package sqlitepool
