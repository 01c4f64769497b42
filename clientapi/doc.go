// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clientapi serves the Matrix Client-Server endpoints of the
// homeserver core: /sync long polling, presence get/set, and sync
// filter upload/retrieval.
//
// Every endpoint requires an access token, resolved to an account by
// the injected Authenticator. Errors go out as standard Matrix error
// bodies ({"errcode": "M_*", "error": "..."}); internal failures
// degrade to M_UNKNOWN without leaking details.
package clientapi
