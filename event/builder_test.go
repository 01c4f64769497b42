// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/bureau-foundation/hearth/lib/ref"
)

// fakeRegistry interns state keys in memory, assigning NIDs in
// arrival order.
type fakeRegistry struct {
	records map[string]StateKey
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{records: make(map[string]StateKey)}
}

func (r *fakeRegistry) FindOrCreateStateKey(_ context.Context, key string) (StateKey, error) {
	if record, ok := r.records[key]; ok {
		return record, nil
	}
	record := StateKey{NID: int64(len(r.records) + 1), Key: key}
	r.records[key] = record
	return record, nil
}

// fakeStore records the attribute set handed to CreateEvent and
// returns a minimal persisted event.
type fakeStore struct {
	created []Attributes
}

func (s *fakeStore) CreateEvent(_ context.Context, attrs Attributes) (*Event, error) {
	s.created = append(s.created, attrs)
	var stateKey *string
	if attrs.StateKey != nil {
		key := attrs.StateKey.Key
		stateKey = &key
	}
	return &Event{
		ID:             ref.MustParseEventID("$fake"),
		RoomID:         attrs.RoomID,
		Sender:         attrs.Sender,
		Type:           attrs.Type,
		StateKey:       stateKey,
		Content:        attrs.Content,
		Depth:          attrs.Depth,
		AuthEventIDs:   attrs.AuthEventIDs,
		PrevEventIDs:   attrs.PrevEventIDs,
		StreamPosition: int64(len(s.created)),
	}, nil
}

func newTestBuilder() (*Builder, *fakeStore) {
	store := &fakeStore{}
	return NewBuilder(newFakeRegistry(), store), store
}

var (
	testRoom   = ref.MustParseRoomID("!room:hearth.local")
	testSender = ref.MustParseUserID("@alice:hearth.local")
	testTarget = ref.MustParseUserID("@bob:hearth.local")
)

func TestBuildCreate(t *testing.T) {
	builder, store := newTestBuilder()

	persisted, err := builder.Build(context.Background(), Input{
		Kind:   KindCreate,
		RoomID: testRoom,
		Sender: testSender,
		// Depth is deliberately garbage: the create variant pins it.
		Depth:   99,
		Content: map[string]any{"room_version": "11", "creator": "@mallory:hearth.local"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	attrs := store.created[0]
	if attrs.Type != TypeCreate {
		t.Errorf("type = %q, want %q", attrs.Type, TypeCreate)
	}
	if attrs.Depth != 1 {
		t.Errorf("depth = %d, want 1", attrs.Depth)
	}
	if len(attrs.AuthEventIDs) != 0 {
		t.Errorf("auth events = %v, want empty", attrs.AuthEventIDs)
	}
	if attrs.StateKey == nil || attrs.StateKey.Key != "" {
		t.Errorf("state key = %v, want interned empty string", attrs.StateKey)
	}
	// The creator field always reflects the actual sender, even when
	// the caller tries to supply one. Other caller content survives.
	if got := attrs.Content["creator"]; got != testSender.String() {
		t.Errorf("creator = %v, want %q", got, testSender)
	}
	if got := attrs.Content["room_version"]; got != "11" {
		t.Errorf("room_version = %v, want %q", got, "11")
	}
	if persisted.Depth != 1 {
		t.Errorf("persisted depth = %d, want 1", persisted.Depth)
	}
}

func TestBuildPowerLevelsDefaults(t *testing.T) {
	builder, store := newTestBuilder()

	_, err := builder.Build(context.Background(), Input{
		Kind:   KindPowerLevels,
		RoomID: testRoom,
		Sender: testSender,
		Depth:  2,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	content := store.created[0].Content

	wantDefaults := map[string]int64{
		"ban":            50,
		"kick":           50,
		"redact":         50,
		"invite":         0,
		"events_default": 0,
		"state_default":  50,
		"users_default":  0,
		"historical":     100,
	}
	for key, want := range wantDefaults {
		if got := content[key]; got != want {
			t.Errorf("content[%q] = %v, want %d", key, got, want)
		}
	}

	users, ok := content["users"].(map[string]any)
	if !ok {
		t.Fatalf("content[users] = %T, want map", content["users"])
	}
	if !reflect.DeepEqual(users, map[string]any{testSender.String(): int64(100)}) {
		t.Errorf("users = %v, want sender at level 100 only", users)
	}

	events, ok := content["events"].(map[string]any)
	if !ok {
		t.Fatalf("content[events] = %T, want map", content["events"])
	}
	wantEvents := map[string]int64{
		"m.room.history_visibility": 100,
		"m.room.server_acl":         100,
		"m.room.tombstone":          100,
		"m.room.power_levels":       100,
		"m.room.name":               50,
		"m.room.topic":              50,
		"m.room.avatar":             50,
		"m.room.canonical_alias":    50,
		"m.room.pinned_events":      50,
		"m.space.child":             50,
		"m.reaction":                0,
		"im.vector.modular.widgets": 50,
	}
	if len(events) != len(wantEvents) {
		t.Errorf("events table has %d entries, want %d: %v", len(events), len(wantEvents), events)
	}
	for eventType, want := range wantEvents {
		if got := events[eventType]; got != want {
			t.Errorf("events[%q] = %v, want %d", eventType, got, want)
		}
	}
}

func TestBuildPowerLevelsOverride(t *testing.T) {
	builder, store := newTestBuilder()

	_, err := builder.Build(context.Background(), Input{
		Kind:               KindPowerLevels,
		RoomID:             testRoom,
		Sender:             testSender,
		Depth:              2,
		PowerLevelOverride: map[string]any{"redact": int64(0)},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	content := store.created[0].Content
	if got := content["redact"]; got != int64(0) {
		t.Errorf("redact = %v, want 0 (overridden)", got)
	}
	// Every other default is untouched.
	if got := content["ban"]; got != int64(50) {
		t.Errorf("ban = %v, want 50", got)
	}
	if got := content["historical"]; got != int64(100) {
		t.Errorf("historical = %v, want 100", got)
	}
}

func TestBuildMember(t *testing.T) {
	builder, store := newTestBuilder()

	_, err := builder.Build(context.Background(), Input{
		Kind:       KindMember,
		RoomID:     testRoom,
		Sender:     testSender,
		Target:     testTarget,
		Membership: MembershipInvite,
		Depth:      3,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	attrs := store.created[0]
	if attrs.StateKey == nil || attrs.StateKey.Key != testTarget.String() {
		t.Errorf("state key = %v, want target user ID", attrs.StateKey)
	}
	want := map[string]any{"membership": "invite"}
	if !reflect.DeepEqual(attrs.Content, want) {
		t.Errorf("content = %v, want exactly %v", attrs.Content, want)
	}
}

func TestBuildMemberRejectsUnknownMembership(t *testing.T) {
	builder, _ := newTestBuilder()

	_, err := builder.Build(context.Background(), Input{
		Kind:       KindMember,
		RoomID:     testRoom,
		Sender:     testSender,
		Target:     testTarget,
		Membership: "lurk",
		Depth:      3,
	})

	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if _, ok := validationErr.Causes["membership"]; !ok {
		t.Errorf("causes = %v, want membership cause", validationErr.Causes)
	}
}

func TestBuildJoinRulesMerge(t *testing.T) {
	builder, store := newTestBuilder()

	_, err := builder.Build(context.Background(), Input{
		Kind:     KindJoinRules,
		RoomID:   testRoom,
		Sender:   testSender,
		JoinRule: JoinRuleInvite,
		Depth:    4,
		Content: map[string]any{
			"allow":     []any{map[string]any{"type": "m.room_membership"}},
			"join_rule": JoinRuleRestricted,
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	content := store.created[0].Content
	// Caller content wins where explicitly supplied, join_rule
	// included.
	if got := content["join_rule"]; got != JoinRuleRestricted {
		t.Errorf("join_rule = %v, want %q (caller override)", got, JoinRuleRestricted)
	}
	if _, ok := content["allow"]; !ok {
		t.Error("caller-supplied allow key missing from content")
	}
}

func TestBuildSingleValueVariants(t *testing.T) {
	builder, store := newTestBuilder()

	_, err := builder.Build(context.Background(), Input{
		Kind:              KindHistoryVisibility,
		RoomID:            testRoom,
		Sender:            testSender,
		HistoryVisibility: HistoryVisibilityShared,
		Depth:             5,
	})
	if err != nil {
		t.Fatalf("Build history visibility: %v", err)
	}
	_, err = builder.Build(context.Background(), Input{
		Kind:        KindGuestAccess,
		RoomID:      testRoom,
		Sender:      testSender,
		GuestAccess: GuestAccessForbidden,
		Depth:       6,
	})
	if err != nil {
		t.Fatalf("Build guest access: %v", err)
	}

	want := []map[string]any{
		{"history_visibility": "shared"},
		{"guest_access": "forbidden"},
	}
	for i, attrs := range store.created {
		if !reflect.DeepEqual(attrs.Content, want[i]) {
			t.Errorf("content[%d] = %v, want %v", i, attrs.Content, want[i])
		}
	}
}

func TestBuildGenericInitialStateRequiresResolvedKey(t *testing.T) {
	builder, store := newTestBuilder()

	_, err := builder.Build(context.Background(), Input{
		Kind:   KindGenericInitialState,
		RoomID: testRoom,
		Sender: testSender,
		Type:   TypeName,
		Depth:  7,
	})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("err without state key = %v, want *ValidationError", err)
	}
	if _, ok := validationErr.Causes["state_key"]; !ok {
		t.Errorf("causes = %v, want state_key cause", validationErr.Causes)
	}

	// With a pre-resolved record, depth is forwarded untouched.
	record := StateKey{NID: 42, Key: ""}
	_, err = builder.Build(context.Background(), Input{
		Kind:     KindGenericInitialState,
		RoomID:   testRoom,
		Sender:   testSender,
		Type:     TypeName,
		StateKey: &record,
		Depth:    7,
		Content:  map[string]any{"name": "ops"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	attrs := store.created[0]
	if attrs.Depth != 7 {
		t.Errorf("depth = %d, want 7 (not recomputed)", attrs.Depth)
	}
	if attrs.StateKey.NID != 42 {
		t.Errorf("state key NID = %d, want the caller's 42", attrs.StateKey.NID)
	}
}

func TestBuildGenericValidation(t *testing.T) {
	builder, _ := newTestBuilder()

	_, err := builder.Build(context.Background(), Input{
		Kind:  KindGeneric,
		Depth: 1,
	})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	for _, field := range []string{"room_id", "sender", "type"} {
		if _, ok := validationErr.Causes[field]; !ok {
			t.Errorf("causes = %v, missing %q", validationErr.Causes, field)
		}
	}
}

func TestBuildGenericTimelineEvent(t *testing.T) {
	builder, store := newTestBuilder()

	persisted, err := builder.Build(context.Background(), Input{
		Kind:    KindGeneric,
		RoomID:  testRoom,
		Sender:  testSender,
		Type:    TypeMessage,
		Depth:   8,
		Content: map[string]any{"msgtype": "m.text", "body": "hello"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if store.created[0].StateKey != nil {
		t.Errorf("state key = %v, want nil for timeline event", store.created[0].StateKey)
	}
	if persisted.IsState() {
		t.Error("IsState() = true for a timeline event")
	}
}
