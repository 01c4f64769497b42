// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/hearth/lib/ref"
)

// Kind selects the construction variant for Build. The set is closed:
// every event the homeserver constructs goes through exactly one of
// these, and each variant reads exactly the Input fields it names.
type Kind int

const (
	// KindGeneric persists a caller-shaped event after validating
	// the required fields (room, sender, type, depth). Used for
	// timeline events such as m.room.message.
	KindGeneric Kind = iota

	// KindCreate constructs the room's m.room.create event: depth 1,
	// empty auth chain, content.creator = sender.
	KindCreate

	// KindPowerLevels constructs m.room.power_levels with the
	// default permission tables, the sender at level 100, and the
	// caller's override merged on top.
	KindPowerLevels

	// KindMember constructs m.room.member for Input.Target with
	// content {"membership": Input.Membership}.
	KindMember

	// KindJoinRules constructs m.room.join_rules with
	// content.join_rule = Input.JoinRule, caller content merged on
	// top.
	KindJoinRules

	// KindHistoryVisibility constructs m.room.history_visibility.
	KindHistoryVisibility

	// KindGuestAccess constructs m.room.guest_access.
	KindGuestAccess

	// KindGenericInitialState persists a room-bootstrap state event
	// whose state key the caller has already resolved. Depth is
	// forwarded untouched — the caller owns monotonic assignment
	// across the bootstrap sequence.
	KindGenericInitialState
)

// String returns the variant name for logging.
func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindCreate:
		return "create"
	case KindPowerLevels:
		return "power_levels"
	case KindMember:
		return "member"
	case KindJoinRules:
		return "join_rules"
	case KindHistoryVisibility:
		return "history_visibility"
	case KindGuestAccess:
		return "guest_access"
	case KindGenericInitialState:
		return "generic_initial_state"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Input carries the per-variant construction parameters. RoomID and
// Sender are required for every variant; the remaining fields are
// read only by the variants that document them.
type Input struct {
	Kind   Kind
	RoomID ref.RoomID
	Sender ref.UserID

	// Type is the event type for KindGeneric and
	// KindGenericInitialState. Other variants pin their own type.
	Type ref.EventType

	// Depth is the caller-assigned graph depth. KindCreate pins
	// depth 1 and ignores this field; every other variant requires
	// Depth >= 1.
	Depth int64

	// Content is caller-supplied content, merged per variant rules.
	Content map[string]any

	// Target is the user the membership event is about
	// (KindMember). Its user ID becomes the event's state key.
	Target ref.UserID

	// Membership is the membership value for KindMember.
	Membership string

	// JoinRule is the join rule value for KindJoinRules.
	JoinRule string

	// HistoryVisibility is the value for KindHistoryVisibility.
	HistoryVisibility string

	// GuestAccess is the value for KindGuestAccess.
	GuestAccess string

	// PowerLevelOverride is merged on top of the default power-level
	// tables for KindPowerLevels (caller values win).
	PowerLevelOverride map[string]any

	// StateKey is the pre-resolved interned record for
	// KindGenericInitialState. Required for that variant; ignored
	// elsewhere.
	StateKey *StateKey

	// AuthEventIDs and PrevEventIDs are forwarded into the attribute
	// set. KindCreate pins AuthEventIDs empty.
	AuthEventIDs []ref.EventID
	PrevEventIDs []ref.EventID
}

// StateKeyRegistry interns state-key strings to stable records. The
// storage package provides the production implementation.
type StateKeyRegistry interface {
	// FindOrCreateStateKey resolves key to its interned record,
	// creating it if absent. Idempotent under concurrent callers
	// racing on the same key text.
	FindOrCreateStateKey(ctx context.Context, key string) (StateKey, error)
}

// Store persists fully-constructed attribute sets. The storage
// package provides the production implementation.
type Store interface {
	CreateEvent(ctx context.Context, attrs Attributes) (*Event, error)
}

// Builder turns construction inputs into persisted events:
// per-variant content shaping, state-key interning, then generic
// creation.
type Builder struct {
	registry StateKeyRegistry
	store    Store
}

// NewBuilder creates a Builder. Both collaborators are required.
func NewBuilder(registry StateKeyRegistry, store Store) *Builder {
	if registry == nil {
		panic("event.NewBuilder: registry is required")
	}
	if store == nil {
		panic("event.NewBuilder: store is required")
	}
	return &Builder{registry: registry, store: store}
}

// Build constructs and persists one event according to the input's
// variant. Invalid inputs produce a *ValidationError; storage
// failures are returned wrapped.
func (b *Builder) Build(ctx context.Context, input Input) (*Event, error) {
	causes := map[string]string{}
	if input.RoomID.IsZero() {
		causes["room_id"] = "required"
	}
	if input.Sender.IsZero() {
		causes["sender"] = "required"
	}

	var attrs Attributes
	var err error
	switch input.Kind {
	case KindCreate:
		attrs, err = b.createAttributes(ctx, input, causes)
	case KindPowerLevels:
		attrs, err = b.powerLevelAttributes(ctx, input, causes)
	case KindMember:
		attrs, err = b.memberAttributes(ctx, input, causes)
	case KindJoinRules:
		attrs, err = b.joinRuleAttributes(ctx, input, causes)
	case KindHistoryVisibility:
		attrs, err = b.historyVisibilityAttributes(ctx, input, causes)
	case KindGuestAccess:
		attrs, err = b.guestAccessAttributes(ctx, input, causes)
	case KindGenericInitialState:
		attrs, err = b.initialStateAttributes(input, causes)
	case KindGeneric:
		attrs, err = b.genericAttributes(input, causes)
	default:
		return nil, fmt.Errorf("event: unknown construction kind %d", int(input.Kind))
	}
	if err != nil {
		return nil, err
	}
	if len(causes) > 0 {
		return nil, newValidationError(causes)
	}

	return b.store.CreateEvent(ctx, attrs)
}

// internEmptyKey resolves the interned record for the empty state
// key, shared by every room-wide state slot (create, power levels,
// join rules, history visibility, guest access).
func (b *Builder) internEmptyKey(ctx context.Context) (*StateKey, error) {
	record, err := b.registry.FindOrCreateStateKey(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("event: interning empty state key: %w", err)
	}
	return &record, nil
}

func (b *Builder) createAttributes(ctx context.Context, input Input, causes map[string]string) (Attributes, error) {
	if len(causes) > 0 {
		return Attributes{}, newValidationError(causes)
	}
	stateKey, err := b.internEmptyKey(ctx)
	if err != nil {
		return Attributes{}, err
	}

	// Caller creation content merges underneath: the creator field
	// always reflects the actual sender.
	content := cloneContent(input.Content)
	content["creator"] = input.Sender.String()

	return Attributes{
		RoomID:       input.RoomID,
		Sender:       input.Sender,
		Type:         TypeCreate,
		StateKey:     stateKey,
		Content:      content,
		Depth:        1,
		AuthEventIDs: nil,
		PrevEventIDs: input.PrevEventIDs,
	}, nil
}

func (b *Builder) powerLevelAttributes(ctx context.Context, input Input, causes map[string]string) (Attributes, error) {
	if input.Depth < 1 {
		causes["depth"] = "must be >= 1"
	}
	if len(causes) > 0 {
		return Attributes{}, newValidationError(causes)
	}
	stateKey, err := b.internEmptyKey(ctx)
	if err != nil {
		return Attributes{}, err
	}

	content := defaultPowerLevels()
	content["events"] = defaultEventPowerLevels()
	content["users"] = map[string]any{
		input.Sender.String(): int64(100),
	}

	// The caller's override wins over every default, including the
	// events and users tables (replaced wholesale when supplied).
	for key, value := range input.PowerLevelOverride {
		content[key] = value
	}

	return Attributes{
		RoomID:       input.RoomID,
		Sender:       input.Sender,
		Type:         TypePowerLevels,
		StateKey:     stateKey,
		Content:      content,
		Depth:        input.Depth,
		AuthEventIDs: input.AuthEventIDs,
		PrevEventIDs: input.PrevEventIDs,
	}, nil
}

func (b *Builder) memberAttributes(ctx context.Context, input Input, causes map[string]string) (Attributes, error) {
	if input.Target.IsZero() {
		causes["state_key"] = "member events require a target user"
	}
	switch input.Membership {
	case MembershipInvite, MembershipJoin, MembershipLeave, MembershipBan, MembershipKnock:
	default:
		causes["membership"] = fmt.Sprintf("unknown membership %q", input.Membership)
	}
	if input.Depth < 1 {
		causes["depth"] = "must be >= 1"
	}
	if len(causes) > 0 {
		return Attributes{}, newValidationError(causes)
	}

	record, err := b.registry.FindOrCreateStateKey(ctx, input.Target.String())
	if err != nil {
		return Attributes{}, fmt.Errorf("event: interning member state key: %w", err)
	}

	return Attributes{
		RoomID:   input.RoomID,
		Sender:   input.Sender,
		Type:     TypeMember,
		StateKey: &record,
		Content: map[string]any{
			"membership": input.Membership,
		},
		Depth:        input.Depth,
		AuthEventIDs: input.AuthEventIDs,
		PrevEventIDs: input.PrevEventIDs,
	}, nil
}

func (b *Builder) joinRuleAttributes(ctx context.Context, input Input, causes map[string]string) (Attributes, error) {
	switch input.JoinRule {
	case JoinRulePublic, JoinRuleInvite, JoinRuleKnock, JoinRulePrivate, JoinRuleRestricted:
	default:
		causes["join_rule"] = fmt.Sprintf("unknown join rule %q", input.JoinRule)
	}
	if input.Depth < 1 {
		causes["depth"] = "must be >= 1"
	}
	if len(causes) > 0 {
		return Attributes{}, newValidationError(causes)
	}
	stateKey, err := b.internEmptyKey(ctx)
	if err != nil {
		return Attributes{}, err
	}

	// join_rule is set first; caller content wins on every key it
	// explicitly supplies, join_rule included.
	content := map[string]any{
		"join_rule": input.JoinRule,
	}
	for key, value := range input.Content {
		content[key] = value
	}

	return Attributes{
		RoomID:       input.RoomID,
		Sender:       input.Sender,
		Type:         TypeJoinRules,
		StateKey:     stateKey,
		Content:      content,
		Depth:        input.Depth,
		AuthEventIDs: input.AuthEventIDs,
		PrevEventIDs: input.PrevEventIDs,
	}, nil
}

func (b *Builder) historyVisibilityAttributes(ctx context.Context, input Input, causes map[string]string) (Attributes, error) {
	switch input.HistoryVisibility {
	case HistoryVisibilityInvited, HistoryVisibilityJoined, HistoryVisibilityShared, HistoryVisibilityWorldReadable:
	default:
		causes["history_visibility"] = fmt.Sprintf("unknown history visibility %q", input.HistoryVisibility)
	}
	if input.Depth < 1 {
		causes["depth"] = "must be >= 1"
	}
	if len(causes) > 0 {
		return Attributes{}, newValidationError(causes)
	}
	stateKey, err := b.internEmptyKey(ctx)
	if err != nil {
		return Attributes{}, err
	}

	return Attributes{
		RoomID:   input.RoomID,
		Sender:   input.Sender,
		Type:     TypeHistoryVisibility,
		StateKey: stateKey,
		Content: map[string]any{
			"history_visibility": input.HistoryVisibility,
		},
		Depth:        input.Depth,
		AuthEventIDs: input.AuthEventIDs,
		PrevEventIDs: input.PrevEventIDs,
	}, nil
}

func (b *Builder) guestAccessAttributes(ctx context.Context, input Input, causes map[string]string) (Attributes, error) {
	switch input.GuestAccess {
	case GuestAccessCanJoin, GuestAccessForbidden:
	default:
		causes["guest_access"] = fmt.Sprintf("unknown guest access %q", input.GuestAccess)
	}
	if input.Depth < 1 {
		causes["depth"] = "must be >= 1"
	}
	if len(causes) > 0 {
		return Attributes{}, newValidationError(causes)
	}
	stateKey, err := b.internEmptyKey(ctx)
	if err != nil {
		return Attributes{}, err
	}

	return Attributes{
		RoomID:   input.RoomID,
		Sender:   input.Sender,
		Type:     TypeGuestAccess,
		StateKey: stateKey,
		Content: map[string]any{
			"guest_access": input.GuestAccess,
		},
		Depth:        input.Depth,
		AuthEventIDs: input.AuthEventIDs,
		PrevEventIDs: input.PrevEventIDs,
	}, nil
}

func (b *Builder) initialStateAttributes(input Input, causes map[string]string) (Attributes, error) {
	if input.Type == "" {
		causes["type"] = "required"
	}
	// The pre-resolved state key is a required precondition, not an
	// assumption: bootstrap orchestration must intern before it
	// calls Build.
	if input.StateKey == nil {
		causes["state_key"] = "pre-resolved state key record is required"
	}
	if input.Depth < 1 {
		causes["depth"] = "must be >= 1"
	}
	if len(causes) > 0 {
		return Attributes{}, newValidationError(causes)
	}

	return Attributes{
		RoomID:       input.RoomID,
		Sender:       input.Sender,
		Type:         input.Type,
		StateKey:     input.StateKey,
		Content:      cloneContent(input.Content),
		Depth:        input.Depth,
		AuthEventIDs: input.AuthEventIDs,
		PrevEventIDs: input.PrevEventIDs,
	}, nil
}

func (b *Builder) genericAttributes(input Input, causes map[string]string) (Attributes, error) {
	if input.Type == "" {
		causes["type"] = "required"
	}
	if input.Depth < 1 {
		causes["depth"] = "must be >= 1"
	}
	if len(causes) > 0 {
		return Attributes{}, newValidationError(causes)
	}

	return Attributes{
		RoomID:       input.RoomID,
		Sender:       input.Sender,
		Type:         input.Type,
		StateKey:     nil,
		Content:      cloneContent(input.Content),
		Depth:        input.Depth,
		AuthEventIDs: input.AuthEventIDs,
		PrevEventIDs: input.PrevEventIDs,
	}, nil
}

// cloneContent copies caller-supplied content so that variant merges
// never mutate the caller's map. Nil input yields an empty map.
func cloneContent(content map[string]any) map[string]any {
	cloned := make(map[string]any, len(content)+1)
	for key, value := range content {
		cloned[key] = value
	}
	return cloned
}
