// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements durable session and icon storage on SQLite.
//
// The store exposes exactly the contract the rest of the daemon
// depends on: session insert, icon upsert, range queries, range
// deletion, and an atomic wrapper guaranteeing all-or-nothing
// execution of a batch of writes. Atomicity is delegated entirely to
// SQLite's transaction machinery; there is no cross-process
// coordination above it.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/traq-project/traq/lib/sqlitepool"
	"github.com/traq-project/traq/lib/track"
)

// schema creates the two tables. Times are Unix nanoseconds. Only
// closed sessions are persisted, so end_time is NOT NULL.
const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		track        TEXT NOT NULL,
		identifier   TEXT NOT NULL,
		display_name TEXT NOT NULL,
		start_time   INTEGER NOT NULL,
		end_time     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);
	CREATE INDEX IF NOT EXISTS idx_sessions_track_start ON sessions(track, start_time);

	CREATE TABLE IF NOT EXISTS icons (
		identifier   TEXT PRIMARY KEY,
		blob         BLOB NOT NULL,
		content_hash BLOB NOT NULL,
		last_updated INTEGER NOT NULL
	);
`

// Store manages SQLite storage for sessions and favicon blobs.
// Safe for concurrent use; each operation borrows a pooled connection.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file path. ":memory:" with PoolSize
	// 1 gives an in-memory store for tests.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Open creates the store, applying the schema to every connection.
// The caller must call Close when done.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Tx is a handle to an open storage transaction. Writes issued through
// a Tx commit or roll back together.
type Tx struct {
	conn *sqlite.Conn
}

// Atomic runs body inside a single IMMEDIATE transaction. If body
// returns an error the transaction rolls back and no write in the
// batch is visible; otherwise all writes commit together.
func (s *Store) Atomic(ctx context.Context, body func(tx *Tx) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: atomic: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return body(&Tx{conn: conn})
}

// InsertSession persists one closed session. Inserting an open session
// is a programming error in the batching pipeline and is rejected.
func (tx *Tx) InsertSession(session track.Session) error {
	if session.Open() {
		return fmt.Errorf("store: refusing to insert open session %s", session.ID)
	}
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO sessions (id, track, identifier, display_name, start_time, end_time)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				session.ID,
				session.Track.String(),
				session.Identifier,
				session.DisplayName,
				session.StartTime.UnixNano(),
				session.EndTime.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: insert session %s: %w", session.ID, err)
	}
	return nil
}

// UpsertIcon inserts or replaces the favicon blob for an identifier.
// The BLAKE3 content hash is stored alongside so unchanged blobs can
// be skipped without comparing full contents.
func (tx *Tx) UpsertIcon(record track.IconRecord) error {
	hash := HashIcon(record.Blob)
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO icons (identifier, blob, content_hash, last_updated)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(identifier) DO UPDATE SET
		   blob = excluded.blob,
		   content_hash = excluded.content_hash,
		   last_updated = excluded.last_updated`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.Identifier,
				record.Blob,
				hash[:],
				record.LastUpdated.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: upsert icon %s: %w", record.Identifier, err)
	}
	return nil
}

// InsertSession persists one closed session in its own transaction.
// The batcher uses Atomic for bulk writes; this path serves snapshot
// recovery and tests.
func (s *Store) InsertSession(ctx context.Context, session track.Session) error {
	return s.Atomic(ctx, func(tx *Tx) error {
		return tx.InsertSession(session)
	})
}

// UpsertIcon inserts or replaces one icon in its own transaction.
func (s *Store) UpsertIcon(ctx context.Context, record track.IconRecord) error {
	return s.Atomic(ctx, func(tx *Tx) error {
		return tx.UpsertIcon(record)
	})
}

// QueryRange returns the closed sessions intersecting [start, end),
// ordered by start time. A session spanning a range boundary is
// returned for both adjacent ranges; callers attribute the overlap.
// When trackFilter is non-nil, only that track's sessions are
// returned.
func (s *Store) QueryRange(ctx context.Context, trackFilter *track.Track, start, end time.Time) ([]track.Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: query range: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT id, track, identifier, display_name, start_time, end_time
		FROM sessions WHERE end_time > ? AND start_time < ?`
	args := []any{start.UnixNano(), end.UnixNano()}
	if trackFilter != nil {
		query += ` AND track = ?`
		args = append(args, trackFilter.String())
	}
	query += ` ORDER BY start_time`

	var sessions []track.Session
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			parsed, parseErr := track.ParseTrack(stmt.ColumnText(1))
			if parseErr != nil {
				return fmt.Errorf("row %s: %w", stmt.ColumnText(0), parseErr)
			}
			sessions = append(sessions, track.Session{
				ID:          stmt.ColumnText(0),
				Track:       parsed,
				Identifier:  stmt.ColumnText(2),
				DisplayName: stmt.ColumnText(3),
				StartTime:   time.Unix(0, stmt.ColumnInt64(4)),
				EndTime:     time.Unix(0, stmt.ColumnInt64(5)),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query range: %w", err)
	}
	return sessions, nil
}

// DeleteRange removes every session whose start time falls in
// [start, end). This is the only path that removes persisted
// sessions; it exists for user-initiated history deletion.
func (s *Store) DeleteRange(ctx context.Context, start, end time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete range: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM sessions WHERE start_time >= ? AND start_time < ?`,
		&sqlitex.ExecOptions{Args: []any{start.UnixNano(), end.UnixNano()}})
	if err != nil {
		return fmt.Errorf("store: delete range: %w", err)
	}

	s.logger.Info("sessions deleted",
		"start", start,
		"end", end,
		"rows", conn.Changes(),
	)
	return nil
}

// IconState describes what the store currently holds for an icon
// identifier, for the batcher's skip logic.
type IconState struct {
	// Exists is true when a row for the identifier is present.
	Exists bool

	// Fresh is true when the stored blob is non-empty and was updated
	// within track.IconStaleAfter of now.
	Fresh bool

	// ContentHash is the BLAKE3 hash of the stored blob. Zero when the
	// row is absent.
	ContentHash [32]byte
}

// QueryIconState reports freshness and content hash for one icon
// identifier as of now.
func (s *Store) QueryIconState(ctx context.Context, identifier string, now time.Time) (IconState, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return IconState{}, fmt.Errorf("store: icon state: %w", err)
	}
	defer s.pool.Put(conn)

	var state IconState
	err = sqlitex.Execute(conn,
		`SELECT blob, content_hash, last_updated FROM icons WHERE identifier = ?`,
		&sqlitex.ExecOptions{
			Args: []any{identifier},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				state.Exists = true
				blobLength := stmt.ColumnLen(0)
				stmt.ColumnBytes(1, state.ContentHash[:])
				updated := time.Unix(0, stmt.ColumnInt64(2))
				record := track.IconRecord{
					Identifier:  identifier,
					Blob:        make([]byte, blobLength),
					LastUpdated: updated,
				}
				state.Fresh = !record.Stale(now)
				return nil
			},
		})
	if err != nil {
		return IconState{}, fmt.Errorf("store: icon state %s: %w", identifier, err)
	}
	return state, nil
}

// QueryIcon returns the stored favicon record for an identifier, or
// false when absent.
func (s *Store) QueryIcon(ctx context.Context, identifier string) (track.IconRecord, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return track.IconRecord{}, false, fmt.Errorf("store: query icon: %w", err)
	}
	defer s.pool.Put(conn)

	var record track.IconRecord
	var found bool
	err = sqlitex.Execute(conn,
		`SELECT blob, last_updated FROM icons WHERE identifier = ?`,
		&sqlitex.ExecOptions{
			Args: []any{identifier},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				record.Identifier = identifier
				record.Blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, record.Blob)
				record.LastUpdated = time.Unix(0, stmt.ColumnInt64(1))
				return nil
			},
		})
	if err != nil {
		return track.IconRecord{}, false, fmt.Errorf("store: query icon %s: %w", identifier, err)
	}
	return record, found, nil
}

// HashIcon computes the BLAKE3 content hash used for icon change
// detection. Hashing the blob is far cheaper than writing it: a
// favicon that has not changed since the last visit is skipped
// without touching the icons table.
func HashIcon(blob []byte) [32]byte {
	return blake3.Sum256(blob)
}
