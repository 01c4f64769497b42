// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clientapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/bureau-foundation/hearth/lib/ref"
)

// Identity is the account and device an access token resolves to.
// Device may be empty when the token is not bound to a device.
type Identity struct {
	User   ref.UserID
	Device string
}

// Authenticator resolves an access token to the identity it belongs
// to. Any error means the token is not recognized; the handlers map
// it to M_UNKNOWN_TOKEN without distinguishing causes.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (Identity, error)
}

// accessToken extracts the client's access token: the Authorization
// bearer header, or the legacy access_token query parameter.
func accessToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return r.URL.Query().Get("access_token")
}

// authenticate resolves the request's access token, writing an
// M_UNKNOWN_TOKEN response when it is missing or not recognized. The
// second return is false when the response has been written.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	token := accessToken(r)
	if token == "" {
		writeMatrixError(w, h.logger, http.StatusUnauthorized, errCodeUnknownToken, "missing access token")
		return Identity{}, false
	}
	identity, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		writeMatrixError(w, h.logger, http.StatusUnauthorized, errCodeUnknownToken, "unrecognized access token")
		return Identity{}, false
	}
	return identity, true
}
