// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a fixed-size SQLite connection pool with
// Traq-standard pragmas (WAL journaling, NORMAL synchronous, busy
// timeout). It wraps zombiezen.com/go/sqlite/sqlitex so that every
// database in the daemon gets the same connection configuration.
//
// Individual connections are not safe for concurrent use: each
// goroutine must Take its own connection and Put it back when done.
package sqlitepool
