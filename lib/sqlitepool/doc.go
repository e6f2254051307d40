// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool behind the
// local room key store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Callers [Pool.Take]
// a connection, perform work, and [Pool.Put] it back, or hand a
// function to [Pool.Immediate] to run it in a write transaction.
// Connections are NOT safe for concurrent use.
//
// # Pragmas
//
// Every connection in the pool is initialized with:
//
//   - journal_mode=WAL: readers never block the writer.
//   - synchronous=FULL: a committed transaction survives power loss.
//     Room keys lost after a crash cannot be recovered without a
//     backup, so the extra fsync per commit is paid.
//   - busy_timeout=5000: wait up to 5 seconds for a write lock.
//   - secure_delete=ON: deleted rows are overwritten with zeros.
//   - temp_store=MEMORY: temporary tables and indexes in memory.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   filepath.Join(directory, "keys.db"),
//	    Logger: logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.Immediate(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "INSERT ...", &sqlitex.ExecOptions{...})
//	})
//
// There is no query builder. Callers write SQL and use sqlitex.Execute
// for cached statements.
package sqlitepool
