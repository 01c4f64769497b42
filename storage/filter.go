// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/hearth/lib/ref"
)

// PutFilter stores an uploaded sync filter definition for a user and
// returns the filter ID clients pass back on later sync requests. The
// ID is content-derived, so re-uploading the same definition yields
// the same ID instead of accumulating duplicates.
func (s *Store) PutFilter(ctx context.Context, userID ref.UserID, definition json.RawMessage) (string, error) {
	if !json.Valid(definition) {
		return "", fmt.Errorf("storage: put filter for %s: definition is not valid JSON", userID)
	}

	digest := blake3.Sum256(definition)
	filterID := base64.RawURLEncoding.EncodeToString(digest[:12])

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("storage: put filter: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO filters (user_id, filter_id, definition)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, filter_id) DO UPDATE SET
			definition = excluded.definition`,
		&sqlitex.ExecOptions{
			Args: []any{userID.String(), filterID, string(definition)},
		})
	if err != nil {
		return "", fmt.Errorf("storage: put filter for %s: %w", userID, err)
	}
	return filterID, nil
}

// GetFilter returns a previously uploaded filter definition, or
// ErrNotFound. Filters are per-user: one user cannot reference
// another's filter ID.
func (s *Store) GetFilter(ctx context.Context, userID ref.UserID, filterID string) (json.RawMessage, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: get filter: %w", err)
	}
	defer s.pool.Put(conn)

	var definition json.RawMessage
	err = sqlitex.Execute(conn,
		"SELECT definition FROM filters WHERE user_id = ? AND filter_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{userID.String(), filterID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				definition = json.RawMessage(stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: get filter %s for %s: %w", filterID, userID, err)
	}
	if definition == nil {
		return nil, fmt.Errorf("storage: filter %s for %s: %w", filterID, userID, ErrNotFound)
	}
	return definition, nil
}
