// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool behind the
// SQLite session store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies the same
// pragmas to every connection:
//
//   - journal_mode=WAL: readers never block the single writer, so a
//     CLI listing sessions does not stall a supervisor persisting one.
//   - synchronous=NORMAL: commits survive a process crash.
//   - busy_timeout=5000: wait up to five seconds for the write lock
//     instead of returning SQLITE_BUSY.
//   - temp_store=MEMORY.
//
// Schema setup belongs in Config.OnConnect:
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   "/var/lib/kernelhost/sessions.db",
//	    Logger: logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//
// Connections are not safe for concurrent use. Borrow one with
// [Pool.Take] and return it with [Pool.Put], or use [Pool.With].
package sqlitepool
