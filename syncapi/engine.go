// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/hearth/event"
	"github.com/bureau-foundation/hearth/lib/clock"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/storage"
)

// Config holds the collaborators for creating an Engine. All fields
// are required.
type Config struct {
	Store    *storage.Store
	Notifier *Notifier
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Engine builds per-account sync responses. One engine serves all
// accounts; per-request state lives on the stack.
type Engine struct {
	store    *storage.Store
	notifier *Notifier
	clock    clock.Clock
	logger   *slog.Logger
}

// NewEngine creates an Engine. Panics if any collaborator is missing;
// wiring bugs should fail at startup, not on the first sync.
func NewEngine(cfg Config) *Engine {
	if cfg.Store == nil {
		panic("syncapi.NewEngine: Store is required")
	}
	if cfg.Notifier == nil {
		panic("syncapi.NewEngine: Notifier is required")
	}
	if cfg.Clock == nil {
		panic("syncapi.NewEngine: Clock is required")
	}
	if cfg.Logger == nil {
		panic("syncapi.NewEngine: Logger is required")
	}
	return &Engine{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Request is one sync call on behalf of an authenticated account.
type Request struct {
	// Sender is the authenticated account. Required.
	Sender ref.UserID

	// Device identifies the sender's device when the access token is
	// bound to one. Informational: it labels long-poll log lines so
	// concurrent syncs from one account can be told apart.
	Device string

	// Filter is empty, an inline JSON definition (starts with "{"),
	// or a stored filter ID.
	Filter string

	// FullState forces the full current state of every joined room
	// into the response even on an incremental sync.
	FullState bool

	// SetPresence, when non-empty, is applied as a presence side
	// effect before the sync view is computed. Best effort: a
	// presence failure is logged and never fails the sync.
	SetPresence string

	// Since is the position token from the previous response. Empty
	// means initial sync.
	Since string

	// Timeout is how long to hold the request open waiting for new
	// data when the incremental view is empty. Zero or negative
	// means return immediately.
	Timeout time.Duration
}

// Response is the sync view returned to the client.
type Response struct {
	NextBatch string        `json:"next_batch"`
	Rooms     RoomsSections `json:"rooms"`
}

// RoomsSections groups rooms by the caller's membership.
type RoomsSections struct {
	Join   map[string]JoinedRoom  `json:"join"`
	Invite map[string]InvitedRoom `json:"invite"`
	Leave  map[string]LeftRoom    `json:"leave"`
}

// JoinedRoom is the view of a room the account is joined to.
type JoinedRoom struct {
	State    StateSection `json:"state"`
	Timeline Timeline     `json:"timeline"`
}

// InvitedRoom carries the stripped state an invitee is allowed to
// see.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom is the final view of a room the account has left or been
// banned from.
type LeftRoom struct {
	State    StateSection `json:"state"`
	Timeline Timeline     `json:"timeline"`
}

// StateSection is an ordered list of state events.
type StateSection struct {
	Events []*event.Event `json:"events"`
}

// Timeline is an ordered list of room events, oldest first. Limited
// is set when the filter's timeline limit truncated the read; the
// client recovers the gap by paginating.
type Timeline struct {
	Events  []*event.Event `json:"events"`
	Limited bool           `json:"limited"`
}

func newResponse(nextBatch string) *Response {
	return &Response{
		NextBatch: nextBatch,
		Rooms: RoomsSections{
			Join:   make(map[string]JoinedRoom),
			Invite: make(map[string]InvitedRoom),
			Leave:  make(map[string]LeftRoom),
		},
	}
}

// BuildSync computes the account's sync view. Initial syncs (no
// since) and full_state requests return immediately with full room
// state. Incremental syncs return immediately when new data exists,
// otherwise suspend until a wake, client disconnect, or timeout.
// A timeout is success: the response echoes the since token so the
// client's next request resumes from the same position.
func (e *Engine) BuildSync(ctx context.Context, req Request) (*Response, error) {
	if req.Sender.IsZero() {
		return nil, fmt.Errorf("syncapi: sync request without sender")
	}

	if req.SetPresence != "" {
		e.applyPresence(ctx, req.Sender, req.SetPresence)
	}

	filter, err := resolveFilter(ctx, e.store, req.Sender, req.Filter)
	if err != nil {
		return nil, err
	}

	var since int64
	if req.Since != "" {
		since, err = ParseToken(req.Since)
		if err != nil {
			return nil, err
		}
	}

	if req.Since == "" || req.FullState {
		return e.buildResponse(ctx, req.Sender, filter, since, true)
	}

	max, err := e.store.MaxStreamPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncapi: %w", err)
	}
	if max > since {
		return e.buildResponse(ctx, req.Sender, filter, since, false)
	}
	if req.Timeout <= 0 {
		return newResponse(FormatToken(since)), nil
	}

	waiter := e.notifier.Register(req.Sender)
	defer waiter.Close()

	// Re-check under registration: a write between the position read
	// and Register would otherwise be missed until the next write.
	max, err = e.store.MaxStreamPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncapi: %w", err)
	}
	if max > since {
		return e.buildResponse(ctx, req.Sender, filter, since, false)
	}

	e.logger.Debug("sync waiting",
		"user", req.Sender,
		"device", req.Device,
		"position", since,
		"timeout", req.Timeout,
	)

	select {
	case <-waiter.Wait():
		return e.buildResponse(ctx, req.Sender, filter, since, false)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.clock.After(req.Timeout):
		return newResponse(FormatToken(since)), nil
	}
}

// applyPresence performs the set_presence side effect, preserving the
// account's existing status message.
func (e *Engine) applyPresence(ctx context.Context, userID ref.UserID, state string) {
	statusMsg := ""
	record, err := e.store.GetPresence(ctx, userID)
	if err == nil {
		statusMsg = record.StatusMsg
	} else if !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("sync presence read failed", "user", userID, "error", err)
	}

	if err := e.store.SetPresence(ctx, userID, state, statusMsg); err != nil {
		e.logger.Warn("sync presence update failed",
			"user", userID,
			"presence", state,
			"error", err,
		)
	}
}

// buildResponse assembles the room sections for everything visible to
// the account after the since position. fullState additionally
// includes the complete current state of joined and left rooms.
func (e *Engine) buildResponse(ctx context.Context, userID ref.UserID, filter *Filter, since int64, fullState bool) (*Response, error) {
	max, err := e.store.MaxStreamPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncapi: %w", err)
	}

	memberships, err := e.store.RoomsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("syncapi: %w", err)
	}

	resp := newResponse(FormatToken(max))

	for roomID, membership := range memberships {
		if !filter.AllowsRoom(roomID) {
			continue
		}

		switch membership {
		case event.MembershipJoin:
			timeline, err := e.roomTimeline(ctx, roomID, since, filter)
			if err != nil {
				return nil, err
			}
			if !fullState && len(timeline.Events) == 0 {
				continue
			}
			joined := JoinedRoom{Timeline: timeline}
			if fullState {
				state, err := e.store.CurrentStateEvents(ctx, roomID)
				if err != nil {
					return nil, fmt.Errorf("syncapi: %w", err)
				}
				joined.State.Events = state
			}
			resp.Rooms.Join[roomID.String()] = joined

		case event.MembershipInvite:
			if !fullState {
				changed, err := e.roomChangedSince(ctx, roomID, since)
				if err != nil {
					return nil, err
				}
				if !changed {
					continue
				}
			}
			state, err := e.store.CurrentStateEvents(ctx, roomID)
			if err != nil {
				return nil, fmt.Errorf("syncapi: %w", err)
			}
			resp.Rooms.Invite[roomID.String()] = InvitedRoom{
				InviteState: StateSection{Events: state},
			}

		case event.MembershipLeave, event.MembershipBan:
			if !filter.Room.IncludeLeave {
				continue
			}
			timeline, err := e.roomTimeline(ctx, roomID, since, filter)
			if err != nil {
				return nil, err
			}
			if !fullState && len(timeline.Events) == 0 {
				continue
			}
			left := LeftRoom{Timeline: timeline}
			if fullState {
				state, err := e.store.CurrentStateEvents(ctx, roomID)
				if err != nil {
					return nil, fmt.Errorf("syncapi: %w", err)
				}
				left.State.Events = state
			}
			resp.Rooms.Leave[roomID.String()] = left
		}
	}

	return resp, nil
}

// roomTimeline reads the room's events after since, applies the
// timeline type narrowing, and caps the result at the filter's limit.
// Pages through the room until the limit is exceeded or the room is
// exhausted, so type narrowing never starves the timeline.
func (e *Engine) roomTimeline(ctx context.Context, roomID ref.RoomID, since int64, filter *Filter) (Timeline, error) {
	limit := filter.TimelineLimit()

	var timeline Timeline
	cursor := since
	for {
		batch, err := e.store.EventsSince(ctx, roomID, cursor, limit+1)
		if err != nil {
			return Timeline{}, fmt.Errorf("syncapi: %w", err)
		}
		if len(batch) == 0 {
			return timeline, nil
		}
		cursor = batch[len(batch)-1].StreamPosition

		for _, ev := range batch {
			if !filter.AllowsTimelineType(ev.Type) {
				continue
			}
			if len(timeline.Events) == limit {
				timeline.Limited = true
				return timeline, nil
			}
			timeline.Events = append(timeline.Events, ev)
		}
	}
}

// roomChangedSince reports whether the room has any event after the
// since position.
func (e *Engine) roomChangedSince(ctx context.Context, roomID ref.RoomID, since int64) (bool, error) {
	events, err := e.store.EventsSince(ctx, roomID, since, 1)
	if err != nil {
		return false, fmt.Errorf("syncapi: %w", err)
	}
	return len(events) > 0, nil
}
