// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

// schema is applied to every pool connection via OnConnect. All
// statements are idempotent, so re-application on each connection is
// a no-op after the first.
//
// events.state_key_nid and events.state_key are both populated for
// state events (the NID for slot identity, the text for the wire
// form) and both NULL for timeline events.
const schema = `
	CREATE TABLE IF NOT EXISTS state_keys (
		nid INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS events (
		event_id         TEXT PRIMARY KEY,
		room_id          TEXT NOT NULL,
		sender           TEXT NOT NULL,
		type             TEXT NOT NULL,
		state_key_nid    INTEGER,
		state_key        TEXT,
		content          TEXT NOT NULL,
		depth            INTEGER NOT NULL,
		auth_event_ids   TEXT NOT NULL,
		prev_event_ids   TEXT NOT NULL,
		origin_server_ts INTEGER NOT NULL,
		stream_position  INTEGER NOT NULL UNIQUE
	);
	CREATE INDEX IF NOT EXISTS idx_events_room_stream
		ON events(room_id, stream_position);
	CREATE INDEX IF NOT EXISTS idx_events_room_slot
		ON events(room_id, type, state_key_nid, stream_position);
	CREATE INDEX IF NOT EXISTS idx_events_member_key
		ON events(state_key_nid, stream_position) WHERE type = 'm.room.member';

	CREATE TABLE IF NOT EXISTS presence (
		user_id        TEXT PRIMARY KEY,
		state          TEXT NOT NULL,
		status_msg     TEXT,
		last_active_ts INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS filters (
		user_id    TEXT NOT NULL,
		filter_id  TEXT NOT NULL,
		definition TEXT NOT NULL,
		PRIMARY KEY (user_id, filter_id)
	);
`
