// Package sqlite provides the SQLite-backed data layer for the chat
// framework.
//
// This package implements datalayer.DataLayer on top of mattn/go-sqlite3
// through database/sql, storing users, threads, steps, elements and
// feedback in relational tables with TEXT columns holding the serialized
// structured payloads (metadata, generation parameters, tags). It is the
// adapter intended for local development and embedded deployments where a
// single file (or an in-memory database) is enough.
//
// # Key Features
//
//   - Single-file or in-memory databases, no server required
//   - Idempotent schema creation (CREATE TABLE IF NOT EXISTS), no
//     destructive migrations
//   - Foreign keys enabled at connection time so ON DELETE CASCADE works
//   - ON CONFLICT upserts for per-step feedback
//   - Keyset pagination over (created_at, id) for stable thread listing
//   - Optional table-name prefix
//
// # Basic Usage
//
//	import (
//		"context"
//
//		"github.com/smallnest/chatstore/datalayer/sqlite"
//	)
//
//	dl, err := sqlite.NewSqliteDataLayer(sqlite.SqliteOptions{
//		Path: "/var/lib/chat/chat.db",
//	})
//	if err != nil {
//		return err
//	}
//	defer dl.Close()
//
//	if err := dl.InitSchema(ctx); err != nil {
//		return err
//	}
//
// # Error Handling
//
// Unique-constraint violations on create surface as datalayer.ErrConflict;
// missing parents on create surface as plain errors naming the absent
// entity; lookups for absent entities return (nil, nil). All other SQLite
// errors propagate wrapped but unmodified.
package sqlite
