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

	"github.com/bureau-foundation/hearth/event"
	"github.com/bureau-foundation/hearth/lib/codec"
	"github.com/bureau-foundation/hearth/lib/ref"
)

// eventColumns is the SELECT list shared by every event read. Order
// must match scanEvent.
const eventColumns = "event_id, room_id, sender, type, state_key, content, " +
	"depth, auth_event_ids, prev_event_ids, origin_server_ts, stream_position"

// CreateEvent persists a fully-constructed attribute set as a new
// event. The stream position, timestamp, and event ID are assigned
// here, inside a single IMMEDIATE transaction: SQLite's single-writer
// model serializes concurrent creations, so positions are globally
// monotonic and two events never share one.
//
// After the transaction commits, the sync waiters of every account
// currently joined to or invited to the room (plus the sender and,
// for member events, the target) are woken.
func (s *Store) CreateEvent(ctx context.Context, attrs event.Attributes) (*event.Event, error) {
	if err := validateAttributes(attrs); err != nil {
		return nil, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: create event: %w", err)
	}
	defer s.pool.Put(conn)

	created, audience, err := s.createEventTx(conn, attrs)
	if err != nil {
		return nil, err
	}

	// The deferred transaction end inside createEventTx has already
	// committed: waking here means a woken waiter's follow-up read
	// sees the new event.
	if s.waker != nil && len(audience) > 0 {
		s.waker.Wake(audience)
	}

	return created, nil
}

// validateAttributes rejects attribute sets the schema cannot
// represent. The builder validates construction semantics; this is
// the storage-level backstop for direct callers.
func validateAttributes(attrs event.Attributes) error {
	causes := map[string]string{}
	if attrs.RoomID.IsZero() {
		causes["room_id"] = "required"
	}
	if attrs.Sender.IsZero() {
		causes["sender"] = "required"
	}
	if attrs.Type == "" {
		causes["type"] = "required"
	}
	if attrs.Depth < 1 {
		causes["depth"] = "must be >= 1"
	}
	if len(causes) > 0 {
		return &event.ValidationError{Causes: causes}
	}
	return nil
}

// createEventTx runs the insert transaction and returns the persisted
// event plus the accounts to wake. The returned error reflects the
// transaction outcome: the deferred end commits on nil, rolls back
// otherwise.
func (s *Store) createEventTx(conn *sqlite.Conn, attrs event.Attributes) (created *event.Event, audience []ref.UserID, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var position int64
	err = sqlitex.Execute(conn,
		"SELECT COALESCE(MAX(stream_position), 0) + 1 FROM events",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				position = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return nil, nil, fmt.Errorf("storage: next stream position: %w", err)
	}

	originServerTS := s.clock.Now().UnixMilli()

	eventID, err := deriveEventID(attrs, position, originServerTS)
	if err != nil {
		return nil, nil, err
	}

	contentJSON, err := json.Marshal(attrs.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: marshal content: %w", err)
	}
	authJSON, err := json.Marshal(eventIDStrings(attrs.AuthEventIDs))
	if err != nil {
		return nil, nil, fmt.Errorf("storage: marshal auth event IDs: %w", err)
	}
	prevJSON, err := json.Marshal(eventIDStrings(attrs.PrevEventIDs))
	if err != nil {
		return nil, nil, fmt.Errorf("storage: marshal prev event IDs: %w", err)
	}

	var stateKeyNID, stateKeyText any
	if attrs.StateKey != nil {
		stateKeyNID = attrs.StateKey.NID
		stateKeyText = attrs.StateKey.Key
	}

	err = sqlitex.Execute(conn, `INSERT INTO events
		(event_id, room_id, sender, type, state_key_nid, state_key,
		 content, depth, auth_event_ids, prev_event_ids,
		 origin_server_ts, stream_position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				eventID.String(),
				attrs.RoomID.String(),
				attrs.Sender.String(),
				attrs.Type.String(),
				stateKeyNID,
				stateKeyText,
				string(contentJSON),
				attrs.Depth,
				string(authJSON),
				string(prevJSON),
				originServerTS,
				position,
			},
		})
	if err != nil {
		return nil, nil, fmt.Errorf("storage: insert event: %w", err)
	}

	audience, err = s.roomAudience(conn, attrs)
	if err != nil {
		return nil, nil, err
	}

	var stateKey *string
	if attrs.StateKey != nil {
		key := attrs.StateKey.Key
		stateKey = &key
	}
	created = &event.Event{
		ID:             eventID,
		RoomID:         attrs.RoomID,
		Sender:         attrs.Sender,
		Type:           attrs.Type,
		StateKey:       stateKey,
		Content:        attrs.Content,
		Depth:          attrs.Depth,
		AuthEventIDs:   attrs.AuthEventIDs,
		PrevEventIDs:   attrs.PrevEventIDs,
		OriginServerTS: originServerTS,
		StreamPosition: position,
	}
	return created, audience, nil
}

// eventIDInput is the canonical encoding hashed into the event ID.
// Deterministic CBOR over this struct (plus the assigned position and
// timestamp) makes the ID a content address: equal inputs at equal
// positions always derive the same ID, and the unique stream position
// guarantees distinct events get distinct IDs.
type eventIDInput struct {
	RoomID         ref.RoomID     `cbor:"room_id"`
	Sender         ref.UserID     `cbor:"sender"`
	Type           ref.EventType  `cbor:"type"`
	StateKey       *string        `cbor:"state_key,omitempty"`
	Content        map[string]any `cbor:"content"`
	Depth          int64          `cbor:"depth"`
	AuthEventIDs   []string       `cbor:"auth_events"`
	PrevEventIDs   []string       `cbor:"prev_events"`
	OriginServerTS int64          `cbor:"origin_server_ts"`
	StreamPosition int64          `cbor:"stream_position"`
}

func deriveEventID(attrs event.Attributes, position, originServerTS int64) (ref.EventID, error) {
	input := eventIDInput{
		RoomID:         attrs.RoomID,
		Sender:         attrs.Sender,
		Type:           attrs.Type,
		Content:        attrs.Content,
		Depth:          attrs.Depth,
		AuthEventIDs:   eventIDStrings(attrs.AuthEventIDs),
		PrevEventIDs:   eventIDStrings(attrs.PrevEventIDs),
		OriginServerTS: originServerTS,
		StreamPosition: position,
	}
	if attrs.StateKey != nil {
		key := attrs.StateKey.Key
		input.StateKey = &key
	}

	canonical, err := codec.Marshal(input)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("storage: canonical event encoding: %w", err)
	}
	digest := blake3.Sum256(canonical)

	raw := "$" + base64.RawURLEncoding.EncodeToString(digest[:])
	eventID, err := ref.ParseEventID(raw)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("storage: derived event ID: %w", err)
	}
	return eventID, nil
}

func eventIDStrings(ids []ref.EventID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// roomAudience returns the accounts whose sync view the new event
// changes: every account currently joined to or invited to the room,
// plus the sender and (for member events) the target. The query runs
// inside the insert transaction, so a membership event counts its own
// target.
func (s *Store) roomAudience(conn *sqlite.Conn, attrs event.Attributes) ([]ref.UserID, error) {
	seen := map[string]struct{}{
		attrs.Sender.String(): {},
	}
	audience := []ref.UserID{attrs.Sender}

	add := func(raw string) {
		if _, ok := seen[raw]; ok {
			return
		}
		userID, err := ref.ParseUserID(raw)
		if err != nil {
			// Non-user state keys (or legacy rows) are not wakeable
			// accounts.
			return
		}
		seen[raw] = struct{}{}
		audience = append(audience, userID)
	}

	if attrs.Type == event.TypeMember && attrs.StateKey != nil {
		add(attrs.StateKey.Key)
	}

	// Latest member event per state-key slot in this room, filtered
	// to memberships that keep the account in the sync scope.
	err := sqlitex.Execute(conn, `
		SELECT e.state_key, e.content FROM events e
		WHERE e.room_id = ? AND e.type = 'm.room.member'
		  AND e.stream_position = (
			SELECT MAX(stream_position) FROM events
			WHERE room_id = e.room_id AND type = e.type
			  AND state_key_nid = e.state_key_nid)`,
		&sqlitex.ExecOptions{
			Args: []any{attrs.RoomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var content struct {
					Membership string `json:"membership"`
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(1)), &content); err != nil {
					return nil
				}
				if content.Membership == event.MembershipJoin || content.Membership == event.MembershipInvite {
					add(stmt.ColumnText(0))
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: room audience: %w", err)
	}

	return audience, nil
}

// GetEvent returns the event with the given ID, or ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id ref.EventID) (*event.Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: get event: %w", err)
	}
	defer s.pool.Put(conn)

	var found *event.Event
	err = sqlitex.Execute(conn,
		"SELECT "+eventColumns+" FROM events WHERE event_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned, err := scanEvent(stmt)
				if err != nil {
					return err
				}
				found = scanned
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: get event %s: %w", id, err)
	}
	if found == nil {
		return nil, fmt.Errorf("storage: get event %s: %w", id, ErrNotFound)
	}
	return found, nil
}

// UpdateEvent replaces the mutable attributes of an existing event.
// The event ID, stream position, and timestamp are fixed at creation
// and never change. Administrative use only; steady-state events are
// immutable. Returns ErrNotFound when no event has the ID.
func (s *Store) UpdateEvent(ctx context.Context, id ref.EventID, attrs event.Attributes) error {
	if err := validateAttributes(attrs); err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: update event: %w", err)
	}
	defer s.pool.Put(conn)

	contentJSON, err := json.Marshal(attrs.Content)
	if err != nil {
		return fmt.Errorf("storage: marshal content: %w", err)
	}
	authJSON, err := json.Marshal(eventIDStrings(attrs.AuthEventIDs))
	if err != nil {
		return fmt.Errorf("storage: marshal auth event IDs: %w", err)
	}
	prevJSON, err := json.Marshal(eventIDStrings(attrs.PrevEventIDs))
	if err != nil {
		return fmt.Errorf("storage: marshal prev event IDs: %w", err)
	}

	var stateKeyNID, stateKeyText any
	if attrs.StateKey != nil {
		stateKeyNID = attrs.StateKey.NID
		stateKeyText = attrs.StateKey.Key
	}

	err = sqlitex.Execute(conn, `UPDATE events SET
		room_id = ?, sender = ?, type = ?, state_key_nid = ?,
		state_key = ?, content = ?, depth = ?, auth_event_ids = ?,
		prev_event_ids = ?
		WHERE event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				attrs.RoomID.String(),
				attrs.Sender.String(),
				attrs.Type.String(),
				stateKeyNID,
				stateKeyText,
				string(contentJSON),
				attrs.Depth,
				string(authJSON),
				string(prevJSON),
				id.String(),
			},
		})
	if err != nil {
		return fmt.Errorf("storage: update event %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("storage: update event %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteEvent removes an event. Administrative use only. Returns
// ErrNotFound when no event has the ID.
func (s *Store) DeleteEvent(ctx context.Context, id ref.EventID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: delete event: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM events WHERE event_id = ?",
		&sqlitex.ExecOptions{Args: []any{id.String()}})
	if err != nil {
		return fmt.Errorf("storage: delete event %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("storage: delete event %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListEvents returns every event in stream order. Bootstrap and
// debugging only; there is no pagination.
func (s *Store) ListEvents(ctx context.Context) ([]*event.Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer s.pool.Put(conn)

	return collectEvents(conn,
		"SELECT "+eventColumns+" FROM events ORDER BY stream_position", nil)
}

// CurrentStateEvents returns the room's current state: the latest
// event per (type, state key) slot, in stream order.
func (s *Store) CurrentStateEvents(ctx context.Context, roomID ref.RoomID) ([]*event.Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: current state: %w", err)
	}
	defer s.pool.Put(conn)

	return collectEvents(conn, `
		SELECT `+eventColumns+` FROM events e
		WHERE e.room_id = ? AND e.state_key_nid IS NOT NULL
		  AND e.stream_position = (
			SELECT MAX(stream_position) FROM events
			WHERE room_id = e.room_id AND type = e.type
			  AND state_key_nid = e.state_key_nid)
		ORDER BY e.stream_position`,
		[]any{roomID.String()})
}

// RoomsForUser returns the user's current membership in every room
// that has a member event for them: room ID to membership value
// (join, invite, leave, ban, knock).
func (s *Store) RoomsForUser(ctx context.Context, userID ref.UserID) (map[ref.RoomID]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: rooms for user: %w", err)
	}
	defer s.pool.Put(conn)

	memberships := make(map[ref.RoomID]string)
	err = sqlitex.Execute(conn, `
		SELECT e.room_id, e.content FROM events e
		WHERE e.type = 'm.room.member' AND e.state_key = ?
		  AND e.stream_position = (
			SELECT MAX(stream_position) FROM events
			WHERE room_id = e.room_id AND type = e.type
			  AND state_key_nid = e.state_key_nid)`,
		&sqlitex.ExecOptions{
			Args: []any{userID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
				if err != nil {
					return fmt.Errorf("stored room ID: %w", err)
				}
				var content struct {
					Membership string `json:"membership"`
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(1)), &content); err != nil {
					return fmt.Errorf("member content for %s: %w", roomID, err)
				}
				if content.Membership != "" {
					memberships[roomID] = content.Membership
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: rooms for %s: %w", userID, err)
	}
	return memberships, nil
}

// EventsSince returns the room's events with stream position strictly
// greater than since, oldest first, capped at limit (default 50 when
// limit <= 0).
func (s *Store) EventsSince(ctx context.Context, roomID ref.RoomID, since int64, limit int) ([]*event.Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: events since: %w", err)
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		limit = 50
	}

	return collectEvents(conn,
		"SELECT "+eventColumns+" FROM events WHERE room_id = ? AND stream_position > ? "+
			"ORDER BY stream_position LIMIT ?",
		[]any{roomID.String(), since, limit})
}

// MaxStreamPosition returns the highest assigned stream position, or
// 0 when no events exist.
func (s *Store) MaxStreamPosition(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: max stream position: %w", err)
	}
	defer s.pool.Put(conn)

	var position int64
	err = sqlitex.Execute(conn,
		"SELECT COALESCE(MAX(stream_position), 0) FROM events",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				position = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("storage: max stream position: %w", err)
	}
	return position, nil
}

func collectEvents(conn *sqlite.Conn, query string, args []any) ([]*event.Event, error) {
	var events []*event.Event
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			scanned, err := scanEvent(stmt)
			if err != nil {
				return err
			}
			events = append(events, scanned)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}
	return events, nil
}

// scanEvent reconstructs an event from an eventColumns row.
func scanEvent(stmt *sqlite.Stmt) (*event.Event, error) {
	// Columns: event_id(0), room_id(1), sender(2), type(3),
	// state_key(4), content(5), depth(6), auth_event_ids(7),
	// prev_event_ids(8), origin_server_ts(9), stream_position(10)

	eventID, err := ref.ParseEventID(stmt.ColumnText(0))
	if err != nil {
		return nil, fmt.Errorf("stored event ID: %w", err)
	}
	roomID, err := ref.ParseRoomID(stmt.ColumnText(1))
	if err != nil {
		return nil, fmt.Errorf("stored room ID: %w", err)
	}
	sender, err := ref.ParseUserID(stmt.ColumnText(2))
	if err != nil {
		return nil, fmt.Errorf("stored sender: %w", err)
	}

	scanned := &event.Event{
		ID:             eventID,
		RoomID:         roomID,
		Sender:         sender,
		Type:           ref.EventType(stmt.ColumnText(3)),
		Depth:          stmt.ColumnInt64(6),
		OriginServerTS: stmt.ColumnInt64(9),
		StreamPosition: stmt.ColumnInt64(10),
	}

	if !stmt.ColumnIsNull(4) {
		key := stmt.ColumnText(4)
		scanned.StateKey = &key
	}

	if err := json.Unmarshal([]byte(stmt.ColumnText(5)), &scanned.Content); err != nil {
		return nil, fmt.Errorf("stored content for %s: %w", eventID, err)
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(7)), &scanned.AuthEventIDs); err != nil {
		return nil, fmt.Errorf("stored auth events for %s: %w", eventID, err)
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(8)), &scanned.PrevEventIDs); err != nil {
		return nil, fmt.Errorf("stored prev events for %s: %w", eventID, err)
	}

	return scanned, nil
}
