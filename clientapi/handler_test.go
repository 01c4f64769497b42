// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clientapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/hearth/event"
	"github.com/bureau-foundation/hearth/lib/clock"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/storage"
	"github.com/bureau-foundation/hearth/syncapi"
)

var (
	apiTestEpoch = time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	apiRoom      = ref.MustParseRoomID("!api:hearth.local")
	apiAlice     = ref.MustParseUserID("@alice:hearth.local")
	apiBob       = ref.MustParseUserID("@bob:hearth.local")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// staticAuth is a fixed token table.
type staticAuth map[string]Identity

func (a staticAuth) Authenticate(_ context.Context, token string) (Identity, error) {
	if identity, ok := a[token]; ok {
		return identity, nil
	}
	return Identity{}, errors.New("unknown token")
}

type apiFixture struct {
	store   *storage.Store
	clock   *clock.FakeClock
	server  *httptest.Server
	handler *Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	fakeClock := clock.Fake(apiTestEpoch)
	notifier := syncapi.NewNotifier()

	store, err := storage.OpenStore(storage.Config{
		Path:   filepath.Join(t.TempDir(), "api_test.db"),
		Clock:  fakeClock,
		Logger: testLogger(),
		Waker:  notifier,
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("store.Close: %v", err)
		}
	})

	engine := syncapi.NewEngine(syncapi.Config{
		Store:    store,
		Notifier: notifier,
		Clock:    fakeClock,
		Logger:   testLogger(),
	})

	handler := NewHandler(Config{
		Store: store,
		Sync:  engine,
		Auth: staticAuth{
			"alice-token": {User: apiAlice, Device: "LAPTOP"},
			"bob-token":   {User: apiBob, Device: "PHONE"},
		},
		Clock:  fakeClock,
		Logger: testLogger(),
	})

	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)

	return &apiFixture{store: store, clock: fakeClock, server: server, handler: handler}
}

// do performs a request with the given bearer token and decodes the
// JSON response body into out (when out is non-nil).
func (f *apiFixture) do(t *testing.T, method, path, token string, body string, out any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s response: %v", method, path, err)
		}
	}
	return resp
}

func errcodeOf(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body matrixError
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Code
}

func (f *apiFixture) seedRoom(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	emptyKey, err := f.store.FindOrCreateStateKey(ctx, "")
	if err != nil {
		t.Fatalf("FindOrCreateStateKey: %v", err)
	}
	aliceKey, err := f.store.FindOrCreateStateKey(ctx, apiAlice.String())
	if err != nil {
		t.Fatalf("FindOrCreateStateKey: %v", err)
	}

	for _, attrs := range []event.Attributes{
		{
			RoomID:   apiRoom,
			Sender:   apiAlice,
			Type:     event.TypeCreate,
			StateKey: &emptyKey,
			Content:  map[string]any{"creator": apiAlice.String()},
			Depth:    1,
		},
		{
			RoomID:   apiRoom,
			Sender:   apiAlice,
			Type:     event.TypeMember,
			StateKey: &aliceKey,
			Content:  map[string]any{"membership": "join"},
			Depth:    2,
		},
	} {
		if _, err := f.store.CreateEvent(ctx, attrs); err != nil {
			t.Fatalf("CreateEvent: %v", err)
		}
	}
}

func TestSyncEndpoint(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.seedRoom(t)

	var sync struct {
		NextBatch string `json:"next_batch"`
		Rooms     struct {
			Join map[string]json.RawMessage `json:"join"`
		} `json:"rooms"`
	}
	resp := fixture.do(t, http.MethodGet, "/_matrix/client/v3/sync", "alice-token", "", &sync)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if sync.NextBatch == "" {
		t.Error("next_batch missing")
	}
	if _, ok := sync.Rooms.Join[apiRoom.String()]; !ok {
		t.Errorf("joined room missing: %v", sync.Rooms.Join)
	}

	// An immediate follow-up with the returned token and no timeout
	// succeeds with the same token.
	var again struct {
		NextBatch string `json:"next_batch"`
	}
	resp = fixture.do(t, http.MethodGet,
		"/_matrix/client/v3/sync?since="+sync.NextBatch+"&timeout=0", "alice-token", "", &again)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("follow-up status = %d", resp.StatusCode)
	}
	if again.NextBatch != sync.NextBatch {
		t.Errorf("next_batch = %q, want %q", again.NextBatch, sync.NextBatch)
	}
}

func TestSyncEndpointRejectsBadParams(t *testing.T) {
	fixture := newAPIFixture(t)

	resp := fixture.do(t, http.MethodGet, "/_matrix/client/v3/sync?timeout=soon", "alice-token", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad timeout: status = %d", resp.StatusCode)
	}
	if code := errcodeOf(t, resp); code != errCodeInvalidParam {
		t.Errorf("bad timeout: errcode = %q", code)
	}

	resp = fixture.do(t, http.MethodGet, "/_matrix/client/v3/sync?since=bogus", "alice-token", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad since: status = %d", resp.StatusCode)
	}
	if code := errcodeOf(t, resp); code != errCodeUnknownToken {
		t.Errorf("bad since: errcode = %q", code)
	}

	resp = fixture.do(t, http.MethodGet, "/_matrix/client/v3/sync?set_presence=sleepy", "alice-token", "", nil)
	if code := errcodeOf(t, resp); code != errCodeInvalidParam {
		t.Errorf("bad set_presence: errcode = %q", code)
	}
}

func TestSyncEndpointRequiresToken(t *testing.T) {
	fixture := newAPIFixture(t)

	resp := fixture.do(t, http.MethodGet, "/_matrix/client/v3/sync", "", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if code := errcodeOf(t, resp); code != errCodeUnknownToken {
		t.Errorf("errcode = %q", code)
	}

	resp = fixture.do(t, http.MethodGet, "/_matrix/client/v3/sync", "stolen-token", "", nil)
	if code := errcodeOf(t, resp); code != errCodeUnknownToken {
		t.Errorf("unknown token: errcode = %q", code)
	}
}

func TestPresenceOwnerWriteAndReadBack(t *testing.T) {
	fixture := newAPIFixture(t)
	path := "/_matrix/client/v3/presence/" + apiAlice.String() + "/status"

	resp := fixture.do(t, http.MethodPut, path, "alice-token",
		`{"presence":"online","status_msg":"building"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}

	fixture.clock.Advance(2 * time.Second)

	var got presenceResponse
	resp = fixture.do(t, http.MethodGet, path, "bob-token", "", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if got.Presence != storage.PresenceOnline || got.StatusMsg != "building" {
		t.Errorf("presence = %+v", got)
	}
	if got.LastActiveAgo != (2 * time.Second).Milliseconds() {
		t.Errorf("last_active_ago = %d, want %d", got.LastActiveAgo, (2 * time.Second).Milliseconds())
	}
}

func TestPresenceForbiddenForOtherUsers(t *testing.T) {
	fixture := newAPIFixture(t)
	path := "/_matrix/client/v3/presence/" + apiBob.String() + "/status"

	resp := fixture.do(t, http.MethodPut, path, "alice-token", `{"presence":"offline"}`, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if code := errcodeOf(t, resp); code != errCodeForbidden {
		t.Errorf("errcode = %q", code)
	}
}

func TestPresenceUnknownUser(t *testing.T) {
	fixture := newAPIFixture(t)
	path := "/_matrix/client/v3/presence/@ghost:hearth.local/status"

	resp := fixture.do(t, http.MethodGet, path, "alice-token", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if code := errcodeOf(t, resp); code != errCodeNotFound {
		t.Errorf("errcode = %q", code)
	}
}

func TestPresenceRejectsBadState(t *testing.T) {
	fixture := newAPIFixture(t)
	path := "/_matrix/client/v3/presence/" + apiAlice.String() + "/status"

	resp := fixture.do(t, http.MethodPut, path, "alice-token", `{"presence":"asleep"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if code := errcodeOf(t, resp); code != errCodeInvalidParam {
		t.Errorf("errcode = %q", code)
	}
}

func TestFilterUploadAndFetch(t *testing.T) {
	fixture := newAPIFixture(t)
	base := "/_matrix/client/v3/user/" + apiAlice.String() + "/filter"
	definition := `{"room":{"timeline":{"limit":5}}}`

	var uploaded struct {
		FilterID string `json:"filter_id"`
	}
	resp := fixture.do(t, http.MethodPost, base, "alice-token", definition, &uploaded)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	if uploaded.FilterID == "" {
		t.Fatal("filter_id missing")
	}

	var fetched map[string]any
	resp = fixture.do(t, http.MethodGet, base+"/"+uploaded.FilterID, "alice-token", "", &fetched)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch status = %d", resp.StatusCode)
	}
	if _, ok := fetched["room"]; !ok {
		t.Errorf("fetched definition = %v", fetched)
	}

	// Another account cannot touch alice's filter namespace.
	resp = fixture.do(t, http.MethodGet, base+"/"+uploaded.FilterID, "bob-token", "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("cross-user fetch status = %d", resp.StatusCode)
	}

	// Garbage uploads are rejected.
	resp = fixture.do(t, http.MethodPost, base, "alice-token", "{not json", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("garbage upload status = %d", resp.StatusCode)
	}
}
