// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/hearth/lib/ref"
)

// Presence states a client may set.
const (
	PresenceOnline      = "online"
	PresenceOffline     = "offline"
	PresenceUnavailable = "unavailable"
)

// ValidPresence reports whether state is one of the recognized
// presence values.
func ValidPresence(state string) bool {
	switch state {
	case PresenceOnline, PresenceOffline, PresenceUnavailable:
		return true
	}
	return false
}

// PresenceRecord is a user's stored presence.
type PresenceRecord struct {
	UserID    ref.UserID `json:"user_id"`
	State     string     `json:"presence"`
	StatusMsg string     `json:"status_msg,omitempty"`

	// LastActiveTS is the last time the user set themselves online,
	// in milliseconds since the Unix epoch. Zero when never online.
	LastActiveTS int64 `json:"last_active_ts,omitempty"`
}

// GetPresence returns the stored presence for a user, or ErrNotFound
// when the user has never set presence.
func (s *Store) GetPresence(ctx context.Context, userID ref.UserID) (PresenceRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return PresenceRecord{}, fmt.Errorf("storage: get presence: %w", err)
	}
	defer s.pool.Put(conn)

	record := PresenceRecord{UserID: userID}
	found := false
	err = sqlitex.Execute(conn,
		"SELECT state, status_msg, last_active_ts FROM presence WHERE user_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{userID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record.State = stmt.ColumnText(0)
				record.StatusMsg = stmt.ColumnText(1)
				record.LastActiveTS = stmt.ColumnInt64(2)
				found = true
				return nil
			},
		})
	if err != nil {
		return PresenceRecord{}, fmt.Errorf("storage: get presence for %s: %w", userID, err)
	}
	if !found {
		return PresenceRecord{}, fmt.Errorf("storage: presence for %s: %w", userID, ErrNotFound)
	}
	return record, nil
}

// SetPresence stores a user's presence. Idempotent: setting the same
// state twice is harmless. Setting online refreshes the last-active
// timestamp; other states preserve it.
func (s *Store) SetPresence(ctx context.Context, userID ref.UserID, state, statusMsg string) error {
	if !ValidPresence(state) {
		return fmt.Errorf("storage: set presence for %s: unknown state %q", userID, state)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: set presence: %w", err)
	}
	defer s.pool.Put(conn)

	var lastActive int64
	if state == PresenceOnline {
		lastActive = s.clock.Now().UnixMilli()
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO presence (user_id, state, status_msg, last_active_ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			state = excluded.state,
			status_msg = excluded.status_msg,
			last_active_ts = CASE WHEN excluded.state = 'online'
				THEN excluded.last_active_ts
				ELSE presence.last_active_ts END`,
		&sqlitex.ExecOptions{
			Args: []any{userID.String(), state, statusMsg, lastActive},
		})
	if err != nil {
		return fmt.Errorf("storage: set presence for %s: %w", userID, err)
	}
	return nil
}
