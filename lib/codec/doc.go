// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Hearth's standard CBOR encoding configuration.
//
// Hearth uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: the Matrix Client-Server API and
//     everything stored as event content (which is JSON on the wire).
//   - CBOR for internal byte-stable encodings: sync position tokens
//     and the canonical event representation hashed to mint event IDs.
//
// Both internal uses depend on determinism — the same logical value
// must always produce identical bytes, so that a token round-trips
// and an event hashes to one identity. The encoder therefore uses
// Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
package codec
