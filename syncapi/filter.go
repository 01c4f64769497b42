// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bureau-foundation/hearth/lib/ref"
)

// defaultTimelineLimit caps the timeline section when the filter does
// not set its own limit.
const defaultTimelineLimit = 20

// Filter is the subset of the client filter schema the sync engine
// evaluates: room scoping, timeline event-type narrowing, the
// timeline limit, and whether left rooms are reported.
type Filter struct {
	Room struct {
		Rooms        []string `json:"rooms"`
		NotRooms     []string `json:"not_rooms"`
		IncludeLeave bool     `json:"include_leave"`
		Timeline     struct {
			Limit    int      `json:"limit"`
			Types    []string `json:"types"`
			NotTypes []string `json:"not_types"`
		} `json:"timeline"`
	} `json:"room"`
}

// filterStore is the storage read the resolver needs.
type filterStore interface {
	GetFilter(ctx context.Context, userID ref.UserID, filterID string) (json.RawMessage, error)
}

// resolveFilter turns the request's filter parameter into an
// evaluated Filter. An empty parameter means no filtering; a value
// starting with "{" is an inline JSON definition; anything else is a
// stored filter ID previously uploaded by this user.
func resolveFilter(ctx context.Context, store filterStore, userID ref.UserID, raw string) (*Filter, error) {
	if raw == "" {
		return &Filter{}, nil
	}

	var definition json.RawMessage
	if strings.HasPrefix(raw, "{") {
		definition = json.RawMessage(raw)
	} else {
		stored, err := store.GetFilter(ctx, userID, raw)
		if err != nil {
			return nil, fmt.Errorf("syncapi: resolving filter %q: %w", raw, err)
		}
		definition = stored
	}

	var filter Filter
	if err := json.Unmarshal(definition, &filter); err != nil {
		return nil, fmt.Errorf("syncapi: parsing filter: %w", err)
	}
	return &filter, nil
}

// AllowsRoom reports whether the room survives the rooms/not_rooms
// scoping. not_rooms wins over rooms.
func (f *Filter) AllowsRoom(roomID ref.RoomID) bool {
	raw := roomID.String()
	for _, excluded := range f.Room.NotRooms {
		if excluded == raw {
			return false
		}
	}
	if len(f.Room.Rooms) == 0 {
		return true
	}
	for _, included := range f.Room.Rooms {
		if included == raw {
			return true
		}
	}
	return false
}

// AllowsTimelineType reports whether an event type survives the
// timeline types/not_types narrowing. not_types wins over types.
func (f *Filter) AllowsTimelineType(eventType ref.EventType) bool {
	raw := eventType.String()
	for _, excluded := range f.Room.Timeline.NotTypes {
		if excluded == raw {
			return false
		}
	}
	if len(f.Room.Timeline.Types) == 0 {
		return true
	}
	for _, included := range f.Room.Timeline.Types {
		if included == raw {
			return true
		}
	}
	return false
}

// TimelineLimit returns the per-room timeline cap.
func (f *Filter) TimelineLimit() int {
	if f.Room.Timeline.Limit > 0 {
		return f.Room.Timeline.Limit
	}
	return defaultTimelineLimit
}
