// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/kernelhost/lib/codec"
	"github.com/bureau-foundation/kernelhost/lib/sqlitepool"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	runtime_id TEXT PRIMARY KEY,
	descriptor BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore stores CBOR-encoded descriptors in a SQLite table.
type SQLiteStore struct {
	pool *sqlitepool.Pool
	now  func() time.Time
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		},
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{pool: pool, now: time.Now}, nil
}

// Close closes the underlying pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, runtimeID string) (*Descriptor, error) {
	var descriptor *Descriptor
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT descriptor FROM sessions WHERE runtime_id = ?", &sqlitex.ExecOptions{
			Args: []any{runtimeID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				decoded, err := decodeRow(stmt)
				descriptor = decoded
				return err
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", runtimeID, err)
	}
	if descriptor == nil {
		return nil, ErrNotFound
	}
	return descriptor, nil
}

func (s *SQLiteStore) Set(ctx context.Context, runtimeID string, descriptor *Descriptor) error {
	data, err := codec.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("encoding descriptor: %w", err)
	}
	return s.pool.With(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO sessions (runtime_id, descriptor, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(runtime_id) DO UPDATE SET descriptor = excluded.descriptor, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{runtimeID, data, s.now().Unix()}})
		if err != nil {
			return fmt.Errorf("storing session %s: %w", runtimeID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, runtimeID string) error {
	return s.pool.With(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "DELETE FROM sessions WHERE runtime_id = ?", &sqlitex.ExecOptions{
			Args: []any{runtimeID},
		}); err != nil {
			return fmt.Errorf("deleting session %s: %w", runtimeID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) List(ctx context.Context) (map[string]*Descriptor, error) {
	result := make(map[string]*Descriptor)
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT runtime_id, descriptor FROM sessions ORDER BY runtime_id", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				descriptor, err := decodeRow(stmt)
				if err != nil {
					return err
				}
				result[stmt.ColumnText(0)] = descriptor
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return result, nil
}

// RawRows returns the stored CBOR per runtime id, for diagnostics.
func (s *SQLiteStore) RawRows(ctx context.Context) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT runtime_id, descriptor FROM sessions ORDER BY runtime_id", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				data := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, data)
				result[stmt.ColumnText(0)] = data
				return nil
			},
		})
	})
	return result, err
}

// decodeRow decodes the descriptor column of the current row. The
// column is the last selected one.
func decodeRow(stmt *sqlite.Stmt) (*Descriptor, error) {
	column := stmt.ColumnCount() - 1
	data := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, data)
	var descriptor Descriptor
	if err := codec.Unmarshal(data, &descriptor); err != nil {
		return nil, fmt.Errorf("decoding stored descriptor: %w", err)
	}
	return &descriptor, nil
}
