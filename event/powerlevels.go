// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

// Power-level defaults applied when a room's m.room.power_levels
// event is constructed. These encode the protocol's default room
// policy: state changes require moderator level (50), a few
// room-lifecycle events require admin level (100), and ordinary
// timeline events are open to everyone.

// defaultPowerLevels returns the top-level default permission values.
// Returned fresh on every call so that override merging never
// mutates shared state.
func defaultPowerLevels() map[string]any {
	return map[string]any{
		"ban":            int64(50),
		"kick":           int64(50),
		"redact":         int64(50),
		"invite":         int64(0),
		"events_default": int64(0),
		"state_default":  int64(50),
		"users_default":  int64(0),
		"historical":     int64(100),
	}
}

// defaultEventPowerLevels returns the per-event-type minimum level
// table placed under the "events" key.
func defaultEventPowerLevels() map[string]any {
	return map[string]any{
		"m.room.history_visibility": int64(100),
		"m.room.server_acl":         int64(100),
		"m.room.tombstone":          int64(100),
		"m.room.power_levels":       int64(100),
		"m.room.name":               int64(50),
		"m.room.topic":              int64(50),
		"m.room.avatar":             int64(50),
		"m.room.canonical_alias":    int64(50),
		"m.room.pinned_events":      int64(50),
		"m.space.child":             int64(50),
		"m.reaction":                int64(0),
		"im.vector.modular.widgets": int64(50),
	}
}
