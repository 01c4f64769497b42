// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/hearth/lib/clock"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/sqlitepool"
)

// ErrNotFound is returned when a lookup targets a row that does not
// exist. Callers wrap it with context; test with errors.Is.
var ErrNotFound = errors.New("storage: not found")

// Waker receives post-commit wake signals for accounts whose sync
// view changed. The sync engine's notifier implements it. Wake is
// called strictly after the transaction that produced the change has
// committed, so a woken waiter always observes the new data.
type Waker interface {
	Wake(userIDs []ref.UserID)
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. Required.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Clock provides event timestamps and presence activity times.
	// Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// Waker receives post-commit wake signals. Optional; nil means
	// no waking (useful for offline tooling and tests that don't
	// exercise sync).
	Waker Waker
}

// Store is the SQLite-backed persistence layer. Safe for concurrent
// use; each operation borrows a pool connection for its duration.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
	waker  Waker
}

// OpenStore opens the database at cfg.Path, creating it and its
// schema if absent.
func OpenStore(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("storage: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("storage: Logger is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	return &Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		waker:  cfg.Waker,
	}, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}
