// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/hearth/lib/codec"
)

// ErrBadToken is returned when a since token cannot be decoded. The
// HTTP layer maps it to M_UNKNOWN_TOKEN.
var ErrBadToken = errors.New("syncapi: unrecognized position token")

// tokenPayload is the deterministic CBOR body of a position token.
// Extra fields can be added later without breaking old tokens.
type tokenPayload struct {
	Position int64 `cbor:"p"`
}

// FormatToken encodes a stream position as an opaque client token.
func FormatToken(position int64) string {
	encoded, err := codec.Marshal(tokenPayload{Position: position})
	if err != nil {
		// A struct of one integer cannot fail deterministic
		// encoding.
		panic(fmt.Sprintf("syncapi: encoding position token: %v", err))
	}
	return "s" + base64.RawURLEncoding.EncodeToString(encoded)
}

// ParseToken decodes a client token back to a stream position.
// Malformed tokens yield ErrBadToken.
func ParseToken(raw string) (int64, error) {
	body, ok := strings.CutPrefix(raw, "s")
	if !ok || body == "" {
		return 0, fmt.Errorf("%w: %q", ErrBadToken, raw)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadToken, raw)
	}
	var payload tokenPayload
	if err := codec.Unmarshal(decoded, &payload); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadToken, raw)
	}
	if payload.Position < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadToken, raw)
	}
	return payload.Position, nil
}
