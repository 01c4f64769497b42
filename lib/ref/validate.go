// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// maxLocalpartLength bounds user ID localparts. The Matrix spec caps
// complete user IDs at 255 bytes; Hearth enforces the same bound on
// the localpart alone, which is stricter but never rejects an ID a
// conformant client would mint.
const maxLocalpartLength = 255

// allowedLocalpartChars is the set of characters permitted in Matrix
// user ID localparts (per the Matrix spec grammar: a-z, 0-9, and the
// symbols . _ = - /).
var allowedLocalpartChars [256]bool

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		allowedLocalpartChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		allowedLocalpartChars[c] = true
	}
	allowedLocalpartChars['.'] = true
	allowedLocalpartChars['_'] = true
	allowedLocalpartChars['='] = true
	allowedLocalpartChars['-'] = true
	allowedLocalpartChars['/'] = true
}

// validateLocalpart checks a user ID localpart against the Matrix
// grammar: non-empty, bounded length, restricted character set.
func validateLocalpart(localpart string) error {
	if localpart == "" {
		return fmt.Errorf("localpart is empty")
	}
	if len(localpart) > maxLocalpartLength {
		return fmt.Errorf("localpart %q is %d characters, maximum is %d", localpart, len(localpart), maxLocalpartLength)
	}
	for i := 0; i < len(localpart); i++ {
		if !allowedLocalpartChars[localpart[i]] {
			return fmt.Errorf("localpart: invalid character %q at position %d (allowed: a-z, 0-9, ., _, =, -, /)", localpart[i], i)
		}
	}
	return nil
}

// validateServer checks that a Matrix server name is minimally valid:
// non-empty, no control characters, no Matrix sigils.
func validateServer(server string) error {
	if server == "" {
		return fmt.Errorf("server name is empty")
	}
	for i := 0; i < len(server); i++ {
		c := server[i]
		if c <= ' ' || c == '@' || c == '#' || c == '!' || c == '$' {
			return fmt.Errorf("server name %q: invalid character at position %d", server, i)
		}
	}
	return nil
}

// parseMatrixID extracts localpart and server from @localpart:server.
func parseMatrixID(matrixID string) (localpart, server string, err error) {
	return parsePrefixedID(matrixID, '@', "Matrix user ID")
}

// parsePrefixedID extracts localpart and server from a Matrix
// identifier with the given sigil prefix (@ for user IDs, ! for room
// IDs).
func parsePrefixedID(identifier string, sigil byte, kind string) (localpart, server string, err error) {
	if len(identifier) < 2 || identifier[0] != sigil {
		return "", "", fmt.Errorf("invalid %s %q: must start with %c", kind, identifier, sigil)
	}
	colonIndex := strings.Index(identifier[1:], ":")
	if colonIndex < 0 {
		return "", "", fmt.Errorf("invalid %s %q: missing :server", kind, identifier)
	}
	colonIndex++ // adjust for [1:] offset
	if colonIndex < 2 {
		return "", "", fmt.Errorf("invalid %s %q: empty localpart", kind, identifier)
	}
	localpart = identifier[1:colonIndex]
	server = identifier[colonIndex+1:]
	if server == "" {
		return "", "", fmt.Errorf("invalid %s %q: empty server", kind, identifier)
	}
	return localpart, server, nil
}

// MatrixUserID constructs a Matrix user ID (@localpart:server) from
// its parts. The localpart is validated against the Matrix grammar;
// use this when minting IDs for locally registered accounts.
func MatrixUserID(localpart string, server ServerName) (UserID, error) {
	if err := validateLocalpart(localpart); err != nil {
		return UserID{}, err
	}
	if server.IsZero() {
		return UserID{}, fmt.Errorf("server name is zero")
	}
	return UserID{id: "@" + localpart + ":" + server.name}, nil
}

// ServerFromUserID extracts the Matrix server name from a user ID
// (@localpart:server).
func ServerFromUserID(userID string) (ServerName, error) {
	_, server, err := parseMatrixID(userID)
	if err != nil {
		return ServerName{}, err
	}
	return newServerName(server), nil
}
