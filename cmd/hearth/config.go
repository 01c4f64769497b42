// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/hearth/clientapi"
	"github.com/bureau-foundation/hearth/lib/ref"
)

// Config is the hearth configuration file schema. The file is JSONC:
// // line comments, /* block comments */, and trailing commas are
// stripped before parsing.
type Config struct {
	// ListenAddress is the TCP address the client API binds to,
	// e.g. "127.0.0.1:8008". Required.
	ListenAddress string `json:"listen_address"`

	// DatabasePath is the SQLite database file. The parent directory
	// must exist. Required.
	DatabasePath string `json:"database_path"`

	// ServerName is this homeserver's name, the part after the colon
	// in its user IDs. Required.
	ServerName string `json:"server_name"`

	// PoolSize is the SQLite connection pool size. Defaults to 4.
	PoolSize int `json:"pool_size"`

	// SyncTimeoutMS caps the client-requested /sync long-poll
	// timeout, in milliseconds. Defaults to 30000.
	SyncTimeoutMS int64 `json:"sync_timeout_ms"`

	// AccessTokens maps access tokens to the identity each one
	// authenticates. At least one entry is required.
	AccessTokens map[string]AccessTokenEntry `json:"access_tokens"`
}

// AccessTokenEntry is one access token's identity in the config
// file.
type AccessTokenEntry struct {
	// UserID is the full user ID the token authenticates. Required.
	UserID string `json:"user_id"`

	// DeviceID labels the device the token is bound to. Optional.
	DeviceID string `json:"device_id"`
}

// LoadConfig reads and validates a JSONC config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var config Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if config.ListenAddress == "" {
		return nil, fmt.Errorf("%s: listen_address is required", path)
	}
	if config.DatabasePath == "" {
		return nil, fmt.Errorf("%s: database_path is required", path)
	}
	if _, err := ref.ParseServerName(config.ServerName); err != nil {
		return nil, fmt.Errorf("%s: server_name: %w", path, err)
	}
	if len(config.AccessTokens) == 0 {
		return nil, fmt.Errorf("%s: at least one access token is required", path)
	}
	for token, entry := range config.AccessTokens {
		if _, err := ref.ParseUserID(entry.UserID); err != nil {
			return nil, fmt.Errorf("%s: access token %q: %w", path, token, err)
		}
	}
	if config.SyncTimeoutMS <= 0 {
		config.SyncTimeoutMS = 30_000
	}
	return &config, nil
}

// SyncTimeout returns the long-poll cap as a duration.
func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutMS) * time.Millisecond
}

// tokenTable is the config-backed Authenticator: a fixed map of
// access tokens to identities.
type tokenTable map[string]clientapi.Identity

// newTokenTable converts the validated config token map to typed
// identities.
func newTokenTable(config *Config) tokenTable {
	table := make(tokenTable, len(config.AccessTokens))
	for token, entry := range config.AccessTokens {
		table[token] = clientapi.Identity{
			User:   ref.MustParseUserID(entry.UserID),
			Device: entry.DeviceID,
		}
	}
	return table
}

func (t tokenTable) Authenticate(_ context.Context, accessToken string) (clientapi.Identity, error) {
	if identity, ok := t[accessToken]; ok {
		return identity, nil
	}
	return clientapi.Identity{}, fmt.Errorf("unknown access token")
}
