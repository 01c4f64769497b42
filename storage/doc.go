// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage is the SQLite persistence layer for the homeserver
// core: the room event graph, the interned state-key table, presence
// records, and uploaded sync filters.
//
// All writes to the event graph run in IMMEDIATE transactions.
// SQLite's single-writer model makes the transaction the
// serialization point: the stream position assigned to a new event is
// computed inside the transaction and is therefore globally monotonic
// without any application-level locking. After a write commits, the
// store wakes the sync waiters of every account that can see the new
// event (via the Waker configured at open).
//
// State-key rows are interned: created on first use, never deleted,
// so a key's numeric identity (NID) is stable for the lifetime of the
// database. Two concurrent interns of the same text race harmlessly —
// the insert is ON CONFLICT DO NOTHING and the winner's row is
// re-read.
package storage
