// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clientapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bureau-foundation/hearth/lib/clock"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/storage"
	"github.com/bureau-foundation/hearth/syncapi"
)

// maxFilterBody caps uploaded filter definitions.
const maxFilterBody = 64 * 1024

// Config holds the collaborators for creating a Handler. All fields
// except MaxSyncTimeout are required.
type Config struct {
	Store *storage.Store
	Sync  *syncapi.Engine
	Auth  Authenticator
	Clock clock.Clock

	// MaxSyncTimeout caps the client-requested long-poll timeout.
	// Defaults to 30 seconds.
	MaxSyncTimeout time.Duration

	Logger *slog.Logger
}

// Handler serves the Matrix client API routes.
type Handler struct {
	store          *storage.Store
	sync           *syncapi.Engine
	auth           Authenticator
	clock          clock.Clock
	maxSyncTimeout time.Duration
	logger         *slog.Logger
}

// NewHandler creates a Handler. Panics if a required collaborator is
// missing.
func NewHandler(cfg Config) *Handler {
	if cfg.Store == nil {
		panic("clientapi.NewHandler: Store is required")
	}
	if cfg.Sync == nil {
		panic("clientapi.NewHandler: Sync is required")
	}
	if cfg.Auth == nil {
		panic("clientapi.NewHandler: Auth is required")
	}
	if cfg.Clock == nil {
		panic("clientapi.NewHandler: Clock is required")
	}
	if cfg.Logger == nil {
		panic("clientapi.NewHandler: Logger is required")
	}
	maxTimeout := cfg.MaxSyncTimeout
	if maxTimeout <= 0 {
		maxTimeout = 30 * time.Second
	}
	return &Handler{
		store:          cfg.Store,
		sync:           cfg.Sync,
		auth:           cfg.Auth,
		clock:          cfg.Clock,
		maxSyncTimeout: maxTimeout,
		logger:         cfg.Logger,
	}
}

// decodeJSONBody decodes a size-capped JSON request body.
func decodeJSONBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxFilterBody)).Decode(v)
}

// Routes returns the client API route table.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/sync", h.handleSync)
	mux.HandleFunc("GET /_matrix/client/v3/presence/{userID}/status", h.handleGetPresence)
	mux.HandleFunc("PUT /_matrix/client/v3/presence/{userID}/status", h.handlePutPresence)
	mux.HandleFunc("POST /_matrix/client/v3/user/{userID}/filter", h.handlePutFilter)
	mux.HandleFunc("GET /_matrix/client/v3/user/{userID}/filter/{filterID}", h.handleGetFilter)
	return mux
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	sender := identity.User

	query := r.URL.Query()

	var timeout time.Duration
	if raw := query.Get("timeout"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			writeMatrixError(w, h.logger, http.StatusBadRequest, errCodeInvalidParam,
				"timeout must be a non-negative integer of milliseconds")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	if timeout > h.maxSyncTimeout {
		timeout = h.maxSyncTimeout
	}

	setPresence := query.Get("set_presence")
	if setPresence != "" && !storage.ValidPresence(setPresence) {
		writeMatrixError(w, h.logger, http.StatusBadRequest, errCodeInvalidParam,
			"set_presence must be online, offline, or unavailable")
		return
	}

	fullState := false
	if raw := query.Get("full_state"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeMatrixError(w, h.logger, http.StatusBadRequest, errCodeInvalidParam,
				"full_state must be a boolean")
			return
		}
		fullState = parsed
	}

	resp, err := h.sync.BuildSync(r.Context(), syncapi.Request{
		Sender:      sender,
		Device:      identity.Device,
		Filter:      query.Get("filter"),
		FullState:   fullState,
		SetPresence: setPresence,
		Since:       query.Get("since"),
		Timeout:     timeout,
	})
	if err != nil {
		switch {
		case errors.Is(err, syncapi.ErrBadToken):
			writeMatrixError(w, h.logger, http.StatusUnauthorized, errCodeUnknownToken,
				"unrecognized since token")
		case errors.Is(err, storage.ErrNotFound):
			writeMatrixError(w, h.logger, http.StatusBadRequest, errCodeInvalidParam,
				"unknown filter")
		case r.Context().Err() != nil:
			// Client went away; nothing useful to write.
		default:
			h.logger.Error("sync failed", "user", sender, "error", err)
			writeMatrixError(w, h.logger, http.StatusInternalServerError, errCodeUnknown,
				"internal server error")
		}
		return
	}

	writeJSON(w, h.logger, http.StatusOK, resp)
}

// presenceResponse is the wire form of a presence read.
type presenceResponse struct {
	Presence      string `json:"presence"`
	StatusMsg     string `json:"status_msg,omitempty"`
	LastActiveAgo int64  `json:"last_active_ago,omitempty"`
}

func (h *Handler) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	target, err := ref.ParseUserID(r.PathValue("userID"))
	if err != nil {
		writeMatrixError(w, h.logger, http.StatusBadRequest, errCodeInvalidParam,
			"malformed user ID")
		return
	}

	record, err := h.store.GetPresence(r.Context(), target)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeMatrixError(w, h.logger, http.StatusNotFound, errCodeNotFound,
				"no presence for this user")
			return
		}
		h.logger.Error("presence read failed", "user", target, "error", err)
		writeMatrixError(w, h.logger, http.StatusInternalServerError, errCodeUnknown,
			"internal server error")
		return
	}

	resp := presenceResponse{
		Presence:  record.State,
		StatusMsg: record.StatusMsg,
	}
	if record.LastActiveTS > 0 {
		resp.LastActiveAgo = h.clock.Now().UnixMilli() - record.LastActiveTS
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}

// presenceUpdate is the body of PUT presence/{userID}/status.
type presenceUpdate struct {
	Presence  string `json:"presence"`
	StatusMsg string `json:"status_msg"`
}

func (h *Handler) handlePutPresence(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	sender := identity.User

	target, err := ref.ParseUserID(r.PathValue("userID"))
	if err != nil {
		writeMatrixError(w, h.logger, http.StatusBadRequest, errCodeInvalidParam,
			"malformed user ID")
		return
	}
	if target != sender {
		writeMatrixError(w, h.logger, http.StatusForbidden, errCodeForbidden,
			"cannot set another user's presence")
		return
	}

	var update presenceUpdate
	if err := decodeJSONBody(r, &update); err != nil {
		writeMatrixError(w, h.logger, http.StatusBadRequest, errCodeInvalidParam,
			"malformed request body")
		return
	}
	if !storage.ValidPresence(update.Presence) {
		writeMatrixError(w, h.logger, http.StatusBadRequest, errCodeInvalidParam,
			"presence must be online, offline, or unavailable")
		return
	}

	if err := h.store.SetPresence(r.Context(), sender, update.Presence, update.StatusMsg); err != nil {
		h.logger.Error("presence update failed", "user", sender, "error", err)
		writeMatrixError(w, h.logger, http.StatusInternalServerError, errCodeUnknown,
			"internal server error")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, struct{}{})
}

func (h *Handler) handlePutFilter(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	sender := identity.User

	target, err := ref.ParseUserID(r.PathValue("userID"))
	if err != nil {
		writeMatrixError(w, h.logger, http.StatusBadRequest, errCodeInvalidParam,
			"malformed user ID")
		return
	}
	if target != sender {
		writeMatrixError(w, h.logger, http.StatusForbidden, errCodeForbidden,
			"cannot upload a filter for another user")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFilterBody))
	if err != nil {
		writeMatrixError(w, h.logger, http.StatusBadRequest, errCodeInvalidParam,
			"reading request body")
		return
	}

	filterID, err := h.store.PutFilter(r.Context(), sender, body)
	if err != nil {
		writeMatrixError(w, h.logger, http.StatusBadRequest, errCodeInvalidParam,
			"filter must be a JSON object")
		return
	}

	writeJSON(w, h.logger, http.StatusOK, map[string]string{"filter_id": filterID})
}

func (h *Handler) handleGetFilter(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	sender := identity.User

	target, err := ref.ParseUserID(r.PathValue("userID"))
	if err != nil {
		writeMatrixError(w, h.logger, http.StatusBadRequest, errCodeInvalidParam,
			"malformed user ID")
		return
	}
	if target != sender {
		writeMatrixError(w, h.logger, http.StatusForbidden, errCodeForbidden,
			"cannot read another user's filter")
		return
	}

	definition, err := h.store.GetFilter(r.Context(), sender, r.PathValue("filterID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeMatrixError(w, h.logger, http.StatusNotFound, errCodeNotFound,
				"no such filter")
			return
		}
		h.logger.Error("filter read failed", "user", sender, "error", err)
		writeMatrixError(w, h.logger, http.StatusInternalServerError, errCodeUnknown,
			"internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(definition); err != nil {
		h.logger.Warn("writing filter body", "error", err)
	}
}
