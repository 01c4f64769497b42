// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"github.com/bureau-foundation/hearth/lib/ref"
)

// Standard Matrix event types constructed by this package.
const (
	TypeCreate            ref.EventType = "m.room.create"
	TypePowerLevels       ref.EventType = "m.room.power_levels"
	TypeMember            ref.EventType = "m.room.member"
	TypeJoinRules         ref.EventType = "m.room.join_rules"
	TypeHistoryVisibility ref.EventType = "m.room.history_visibility"
	TypeGuestAccess       ref.EventType = "m.room.guest_access"
	TypeMessage           ref.EventType = "m.room.message"
	TypeName              ref.EventType = "m.room.name"
	TypeTopic             ref.EventType = "m.room.topic"
)

// Membership values for m.room.member content.
const (
	MembershipInvite = "invite"
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// Join rule values for m.room.join_rules content.
const (
	JoinRulePublic     = "public"
	JoinRuleInvite     = "invite"
	JoinRuleKnock      = "knock"
	JoinRulePrivate    = "private"
	JoinRuleRestricted = "restricted"
)

// History visibility values for m.room.history_visibility content.
const (
	HistoryVisibilityInvited       = "invited"
	HistoryVisibilityJoined        = "joined"
	HistoryVisibilityShared        = "shared"
	HistoryVisibilityWorldReadable = "world_readable"
)

// Guest access values for m.room.guest_access content.
const (
	GuestAccessCanJoin   = "can_join"
	GuestAccessForbidden = "forbidden"
)

// StateKey is an interned state-key record. Interning gives every
// distinct key text one stable numeric identity (NID): two lookups
// with equal text always resolve to the same NID, and records are
// never deleted. Events reference state keys by NID; the key text
// travels alongside so the wire form never needs a second lookup.
type StateKey struct {
	NID int64
	Key string
}

// Attributes is the fully-populated attribute set handed to generic
// event creation. The builder produces one of these per construction
// variant; the store assigns the event ID, stream position, and
// timestamp at persistence.
type Attributes struct {
	RoomID ref.RoomID
	Sender ref.UserID
	Type   ref.EventType

	// StateKey is nil for timeline events and the interned record
	// for state events.
	StateKey *StateKey

	// Content is the event body. Stored and served as JSON.
	Content map[string]any

	// Depth is the caller-assigned ordering hint for the event's
	// position in the room's history graph. Must be >= 1.
	Depth int64

	// AuthEventIDs lists the events this event cites as its
	// authorization chain, in citation order.
	AuthEventIDs []ref.EventID

	// PrevEventIDs lists the event's parents in the room graph.
	PrevEventIDs []ref.EventID
}

// Event is a persisted room event.
type Event struct {
	ID       ref.EventID    `json:"event_id"`
	RoomID   ref.RoomID     `json:"room_id"`
	Sender   ref.UserID     `json:"sender"`
	Type     ref.EventType  `json:"type"`
	StateKey *string        `json:"state_key,omitempty"`
	Content  map[string]any `json:"content"`
	Depth    int64          `json:"depth"`

	AuthEventIDs []ref.EventID `json:"auth_events,omitempty"`
	PrevEventIDs []ref.EventID `json:"prev_events,omitempty"`

	// OriginServerTS is the creation time in milliseconds since the
	// Unix epoch, stamped by the store.
	OriginServerTS int64 `json:"origin_server_ts"`

	// StreamPosition is the store-assigned monotonic position. It
	// orders sync responses and never appears on the wire — clients
	// see it only folded into opaque position tokens.
	StreamPosition int64 `json:"-"`
}

// IsState reports whether the event is a state event.
func (e *Event) IsState() bool { return e.StateKey != nil }

// Membership returns the membership value of an m.room.member event,
// or "" when the event is not a member event or the content is
// malformed.
func (e *Event) Membership() string {
	if e.Type != TypeMember {
		return ""
	}
	membership, _ := e.Content["membership"].(string)
	return membership
}
