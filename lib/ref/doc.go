// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identity references
// for the Matrix identifiers Hearth handles: user IDs, room IDs,
// event IDs, event types, and server names.
//
// All constructors validate their inputs and return errors for
// malformed identifiers. Once constructed, a ref is immutable — the
// String accessors return the canonical form at zero allocation cost.
// Identifiers arrive as strings on the Client-Server API boundary and
// are parsed into these types exactly once; everything past the
// handlers works with validated values.
//
// The canonical serialization form is the full Matrix identifier:
//   - UserID:  @localpart:server
//   - RoomID:  !opaque:server
//   - EventID: $opaque
//
// JSON marshaling uses this canonical form via encoding.TextMarshaler.
package ref
