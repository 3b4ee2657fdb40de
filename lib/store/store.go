// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/overseer-project/overseer/lib/codec"
	"github.com/overseer-project/overseer/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	assistant_session_id TEXT NOT NULL DEFAULT '',
	working_directory TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_active_at INTEGER NOT NULL,
	accumulated_cost_usd REAL NOT NULL DEFAULT 0,
	accumulated_turns INTEGER NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	tools_used BLOB
);
CREATE INDEX IF NOT EXISTS sessions_by_owner ON sessions (owner, last_active_at);

CREATE TABLE IF NOT EXISTS interactions (
	record_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	owner TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	record BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS interactions_by_session ON interactions (session_id, created_at);

CREATE TABLE IF NOT EXISTS settlement_ledger (
	run_id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	day TEXT NOT NULL,
	cost_usd REAL NOT NULL,
	settled_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_by_owner_day ON settlement_ledger (owner, day);
`

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// PoolSize is passed through to the connection pool.
	PoolSize int

	// Logger receives store lifecycle messages. Nil discards.
	Logger *slog.Logger
}

// Store is the SQLite-backed persistence layer. Safe for concurrent
// use.
type Store struct {
	pool       *sqlitepool.Pool
	logger     *slog.Logger
	compressor *zstd.Encoder
	expander   *zstd.Decoder
}

// Open opens (and if needed creates) the database and applies the
// schema.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	compressor, err := zstd.NewWriter(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: zstd encoder: %w", err)
	}
	expander, err := zstd.NewReader(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: zstd decoder: %w", err)
	}

	return &Store{
		pool:       pool,
		logger:     logger,
		compressor: compressor,
		expander:   expander,
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// SaveSession inserts or replaces one session row.
func (s *Store) SaveSession(ctx context.Context, record SessionRecord) error {
	toolsUsed, err := codec.Marshal(record.ToolsUsed)
	if err != nil {
		return fmt.Errorf("store: encoding tools_used: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT OR REPLACE INTO sessions
		(id, owner, assistant_session_id, working_directory, created_at,
		 last_active_at, accumulated_cost_usd, accumulated_turns,
		 message_count, tools_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			record.ID,
			record.Owner,
			record.AssistantSessionID,
			record.WorkingDirectory,
			record.CreatedAt.UnixMilli(),
			record.LastActiveAt.UnixMilli(),
			record.AccumulatedCostUSD,
			record.AccumulatedTurns,
			record.MessageCount,
			toolsUsed,
		}})
	if err != nil {
		return fmt.Errorf("store: saving session %s: %w", record.ID, err)
	}
	return nil
}

// LoadSession reads one session row. The second return is false when
// the session does not exist.
func (s *Store) LoadSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return SessionRecord{}, false, err
	}
	defer s.pool.Put(conn)

	var record SessionRecord
	var found bool
	err = sqlitex.Execute(conn, `
		SELECT id, owner, assistant_session_id, working_directory,
		       created_at, last_active_at, accumulated_cost_usd,
		       accumulated_turns, message_count, tools_used
		FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				var decodeErr error
				record, decodeErr = sessionFromRow(stmt)
				return decodeErr
			},
		})
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("store: loading session %s: %w", id, err)
	}
	return record, found, nil
}

// DeleteSession removes one session row. Deleting an absent session is
// not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM sessions WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: deleting session %s: %w", id, err)
	}
	return nil
}

// ListSessions returns every persisted session, least recently active
// first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var records []SessionRecord
	err = sqlitex.Execute(conn, `
		SELECT id, owner, assistant_session_id, working_directory,
		       created_at, last_active_at, accumulated_cost_usd,
		       accumulated_turns, message_count, tools_used
		FROM sessions ORDER BY last_active_at ASC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record, decodeErr := sessionFromRow(stmt)
				if decodeErr != nil {
					return decodeErr
				}
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: listing sessions: %w", err)
	}
	return records, nil
}

func sessionFromRow(stmt *sqlite.Stmt) (SessionRecord, error) {
	record := SessionRecord{
		ID:                 stmt.ColumnText(0),
		Owner:              stmt.ColumnText(1),
		AssistantSessionID: stmt.ColumnText(2),
		WorkingDirectory:   stmt.ColumnText(3),
		CreatedAt:          time.UnixMilli(stmt.ColumnInt64(4)),
		LastActiveAt:       time.UnixMilli(stmt.ColumnInt64(5)),
		AccumulatedCostUSD: stmt.ColumnFloat(6),
		AccumulatedTurns:   stmt.ColumnInt64(7),
		MessageCount:       stmt.ColumnInt64(8),
	}
	if length := stmt.ColumnLen(9); length > 0 {
		blob := make([]byte, length)
		stmt.ColumnBytes(9, blob)
		if err := codec.Unmarshal(blob, &record.ToolsUsed); err != nil {
			return SessionRecord{}, fmt.Errorf("store: decoding tools_used for %s: %w", record.ID, err)
		}
	}
	return record, nil
}

// SaveInteraction persists one run transcript and returns its
// content-derived record id. Saving the same record twice is a no-op
// returning the same id.
func (s *Store) SaveInteraction(ctx context.Context, record InteractionRecord) (string, error) {
	encoded, err := codec.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("store: encoding interaction %s: %w", record.RunID, err)
	}
	sum := blake3.Sum256(encoded)
	recordID := hex.EncodeToString(sum[:])
	compressed := s.compressor.EncodeAll(encoded, nil)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT OR IGNORE INTO interactions
		(record_id, run_id, session_id, owner, created_at, record)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			recordID,
			record.RunID,
			record.SessionID,
			record.Owner,
			record.CreatedAt.UnixMilli(),
			compressed,
		}})
	if err != nil {
		return "", fmt.Errorf("store: saving interaction %s: %w", record.RunID, err)
	}
	return recordID, nil
}

// LoadInteraction reads one transcript by record id.
func (s *Store) LoadInteraction(ctx context.Context, recordID string) (InteractionRecord, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return InteractionRecord{}, false, err
	}
	defer s.pool.Put(conn)

	var compressed []byte
	err = sqlitex.Execute(conn, "SELECT record FROM interactions WHERE record_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{recordID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				compressed = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, compressed)
				return nil
			},
		})
	if err != nil {
		return InteractionRecord{}, false, fmt.Errorf("store: loading interaction %s: %w", recordID, err)
	}
	if compressed == nil {
		return InteractionRecord{}, false, nil
	}

	encoded, err := s.expander.DecodeAll(compressed, nil)
	if err != nil {
		return InteractionRecord{}, false, fmt.Errorf("store: decompressing interaction %s: %w", recordID, err)
	}
	var record InteractionRecord
	if err := codec.Unmarshal(encoded, &record); err != nil {
		return InteractionRecord{}, false, fmt.Errorf("store: decoding interaction %s: %w", recordID, err)
	}
	return record, true, nil
}

// ListInteractionIDs returns the record ids for one session, oldest
// first.
func (s *Store) ListInteractionIDs(ctx context.Context, sessionID string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn, `
		SELECT record_id FROM interactions
		WHERE session_id = ? ORDER BY created_at ASC`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: listing interactions for %s: %w", sessionID, err)
	}
	return ids, nil
}

// RecordSettlement writes one run's final cost into the ledger. The
// run id is the primary key, so replaying a settlement is detected:
// the first call returns applied=true, every later call for the same
// run id returns applied=false and changes nothing.
func (s *Store) RecordSettlement(ctx context.Context, runID, owner, day string, costUSD float64, settledAt time.Time) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT OR IGNORE INTO settlement_ledger
		(run_id, owner, day, cost_usd, settled_at)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			runID, owner, day, costUSD, settledAt.UnixMilli(),
		}})
	if err != nil {
		return false, fmt.Errorf("store: recording settlement %s: %w", runID, err)
	}
	return conn.Changes() > 0, nil
}

// SettledCost sums the ledger for one owner and day.
func (s *Store) SettledCost(ctx context.Context, owner, day string) (float64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var total float64
	err = sqlitex.Execute(conn, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM settlement_ledger
		WHERE owner = ? AND day = ?`,
		&sqlitex.ExecOptions{
			Args: []any{owner, day},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				total = stmt.ColumnFloat(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: summing settlements for %s: %w", owner, err)
	}
	return total, nil
}
