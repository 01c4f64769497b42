// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/hearth/event"
)

// FindOrCreateStateKey resolves key to its interned record, creating
// the row on first use. Concurrent calls with equal text race on the
// insert; ON CONFLICT DO NOTHING plus the unconditional re-read means
// every caller sees the winner's NID and the race never surfaces.
func (s *Store) FindOrCreateStateKey(ctx context.Context, key string) (event.StateKey, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return event.StateKey{}, fmt.Errorf("storage: intern state key: %w", err)
	}
	defer s.pool.Put(conn)

	return internStateKey(conn, key)
}

// internStateKey is the connection-level intern used both by the
// public method and by event creation inside its transaction.
func internStateKey(conn *sqlite.Conn, key string) (event.StateKey, error) {
	err := sqlitex.Execute(conn,
		"INSERT INTO state_keys (key) VALUES (?) ON CONFLICT (key) DO NOTHING",
		&sqlitex.ExecOptions{Args: []any{key}})
	if err != nil {
		return event.StateKey{}, fmt.Errorf("storage: intern state key %q: %w", key, err)
	}

	record := event.StateKey{Key: key}
	found := false
	err = sqlitex.Execute(conn,
		"SELECT nid FROM state_keys WHERE key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record.NID = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return event.StateKey{}, fmt.Errorf("storage: read state key %q: %w", key, err)
	}
	if !found {
		return event.StateKey{}, fmt.Errorf("storage: state key %q missing after intern", key)
	}
	return record, nil
}
