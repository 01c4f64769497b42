// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the room event model and the per-type
// construction rules that turn a high-level request ("make @alice a
// member", "set the room's power levels") into a fully-populated
// attribute set ready for persistence.
//
// The package has two halves. The model half is [Event] and
// [Attributes]: an event is a record in a room's history, immutable
// after creation in steady-state operation, either a timeline event
// (nil state key) or a state event (non-nil state key). The
// construction half is [Builder.Build], one operation dispatching
// over a closed set of [Kind] variants. Each variant encodes the
// protocol's content shape and default policy for its event type —
// room creation pins depth 1 and an empty auth chain, power levels
// carry the default permission tables with the sender granted level
// 100, membership events carry exactly their membership value.
//
// Centralizing per-type shape here keeps callers from hand-assembling
// invalid state content and keeps the default room policy in one
// place. Depth is an explicit caller input throughout, not derived
// from the event graph's parents; the builder validates it where a
// variant does not pin it.
package event
