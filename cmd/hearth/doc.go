// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// The hearth binary runs the homeserver core: the SQLite event
// store, the sync engine, and the Matrix client API over HTTP.
//
// Usage:
//
//	hearth --config /etc/hearth/config.jsonc
//
// The config file is JSONC (JSON plus comments and trailing commas).
// See Config in config.go for the schema.
package main
