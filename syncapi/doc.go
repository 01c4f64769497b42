// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncapi builds incremental sync responses for client
// accounts and owns the long-poll wait machinery.
//
// A sync request with a since token and no new data does not return
// immediately: the engine registers a waiter with the Notifier and
// suspends on a channel select until a qualifying write commits, the
// client disconnects, or the requested timeout elapses. The storage
// layer wakes waiters strictly after commit, so a woken request
// always finds the data that woke it.
//
// Position tokens are opaque to clients: a "s"-prefixed base64url
// encoding of the current stream position. Clients echo them back
// verbatim; only this package decodes them.
package syncapi
