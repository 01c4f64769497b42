// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clientapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Matrix error codes this server emits.
const (
	errCodeForbidden    = "M_FORBIDDEN"
	errCodeNotFound     = "M_NOT_FOUND"
	errCodeUnknownToken = "M_UNKNOWN_TOKEN"
	errCodeInvalidParam = "M_INVALID_PARAM"
	errCodeUnknown      = "M_UNKNOWN"
)

// matrixError is the standard Matrix error body.
type matrixError struct {
	Code    string `json:"errcode"`
	Message string `json:"error"`
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("writing response body", "error", err)
	}
}

func writeMatrixError(w http.ResponseWriter, logger *slog.Logger, status int, code, message string) {
	writeJSON(w, logger, status, matrixError{Code: code, Message: message})
}
