// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/hearth/event"
	"github.com/bureau-foundation/hearth/lib/clock"
	"github.com/bureau-foundation/hearth/lib/ref"
)

var storeTestEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingWaker captures wake calls for assertion.
type recordingWaker struct {
	mu    sync.Mutex
	calls [][]ref.UserID
}

func (w *recordingWaker) Wake(userIDs []ref.UserID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, userIDs)
}

func (w *recordingWaker) lastCall() []ref.UserID {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.calls) == 0 {
		return nil
	}
	return w.calls[len(w.calls)-1]
}

func openTestStore(t *testing.T) (*Store, *clock.FakeClock, *recordingWaker) {
	t.Helper()

	fakeClock := clock.Fake(storeTestEpoch)
	waker := &recordingWaker{}

	store, err := OpenStore(Config{
		Path:     filepath.Join(t.TempDir(), "hearth_test.db"),
		PoolSize: 4,
		Clock:    fakeClock,
		Logger:   testLogger(),
		Waker:    waker,
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("store.Close: %v", err)
		}
	})
	return store, fakeClock, waker
}

var (
	testRoom  = ref.MustParseRoomID("!room:hearth.local")
	testRoom2 = ref.MustParseRoomID("!other:hearth.local")
	alice     = ref.MustParseUserID("@alice:hearth.local")
	bob       = ref.MustParseUserID("@bob:hearth.local")
)

// mustCreate persists an event directly through the store, interning
// the state key when the attributes carry one as bare text.
func mustCreate(t *testing.T, store *Store, roomID ref.RoomID, sender ref.UserID, eventType ref.EventType, stateKey *string, content map[string]any, depth int64) *event.Event {
	t.Helper()

	attrs := event.Attributes{
		RoomID:  roomID,
		Sender:  sender,
		Type:    eventType,
		Content: content,
		Depth:   depth,
	}
	if stateKey != nil {
		record, err := store.FindOrCreateStateKey(context.Background(), *stateKey)
		if err != nil {
			t.Fatalf("FindOrCreateStateKey(%q): %v", *stateKey, err)
		}
		attrs.StateKey = &record
	}

	created, err := store.CreateEvent(context.Background(), attrs)
	if err != nil {
		t.Fatalf("CreateEvent(%s): %v", eventType, err)
	}
	return created
}

func strPtr(s string) *string { return &s }

// seedRoom writes a minimal room: create, alice joins, bob is
// invited. Returns the events in creation order.
func seedRoom(t *testing.T, store *Store, roomID ref.RoomID) []*event.Event {
	t.Helper()
	return []*event.Event{
		mustCreate(t, store, roomID, alice, event.TypeCreate, strPtr(""),
			map[string]any{"creator": alice.String()}, 1),
		mustCreate(t, store, roomID, alice, event.TypeMember, strPtr(alice.String()),
			map[string]any{"membership": "join"}, 2),
		mustCreate(t, store, roomID, alice, event.TypeMember, strPtr(bob.String()),
			map[string]any{"membership": "invite"}, 3),
	}
}

func TestCreateEventAssignsMonotonicPositions(t *testing.T) {
	store, _, _ := openTestStore(t)

	events := seedRoom(t, store, testRoom)
	for i := 1; i < len(events); i++ {
		if events[i].StreamPosition <= events[i-1].StreamPosition {
			t.Errorf("position %d (%d) not after position %d (%d)",
				i, events[i].StreamPosition, i-1, events[i-1].StreamPosition)
		}
	}

	max, err := store.MaxStreamPosition(context.Background())
	if err != nil {
		t.Fatalf("MaxStreamPosition: %v", err)
	}
	if max != events[len(events)-1].StreamPosition {
		t.Errorf("max position = %d, want %d", max, events[len(events)-1].StreamPosition)
	}
}

func TestCreateEventDerivesUniqueIDs(t *testing.T) {
	store, _, _ := openTestStore(t)

	// Identical content at different positions must still get
	// distinct IDs.
	first := mustCreate(t, store, testRoom, alice, event.TypeMessage, nil,
		map[string]any{"body": "hello"}, 1)
	second := mustCreate(t, store, testRoom, alice, event.TypeMessage, nil,
		map[string]any{"body": "hello"}, 2)

	if first.ID == second.ID {
		t.Errorf("two events share ID %s", first.ID)
	}
	if first.ID.String()[0] != '$' {
		t.Errorf("event ID %q does not start with $", first.ID)
	}
}

func TestCreateEventValidation(t *testing.T) {
	store, _, _ := openTestStore(t)

	_, err := store.CreateEvent(context.Background(), event.Attributes{
		RoomID: testRoom,
		Sender: alice,
		Type:   event.TypeMessage,
		Depth:  0,
	})
	var validationErr *event.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("err = %v, want *event.ValidationError", err)
	}
	if _, ok := validationErr.Causes["depth"]; !ok {
		t.Errorf("causes = %v, want depth cause", validationErr.Causes)
	}
}

func TestCreateEventWakesRoomMembers(t *testing.T) {
	store, _, waker := openTestStore(t)

	seedRoom(t, store, testRoom)
	mustCreate(t, store, testRoom, alice, event.TypeMessage, nil,
		map[string]any{"body": "hi"}, 4)

	woken := waker.lastCall()
	want := map[string]bool{alice.String(): true, bob.String(): true}
	got := map[string]bool{}
	for _, userID := range woken {
		got[userID.String()] = true
	}
	for userID := range want {
		if !got[userID] {
			t.Errorf("user %s not woken; woken set: %v", userID, woken)
		}
	}
}

func TestGetEventRoundTrip(t *testing.T) {
	store, _, _ := openTestStore(t)

	created := mustCreate(t, store, testRoom, alice, event.TypeName, strPtr(""),
		map[string]any{"name": "ops"}, 1)

	got, err := store.GetEvent(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.RoomID != created.RoomID || got.Sender != created.Sender || got.Type != created.Type {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, created)
	}
	if got.StateKey == nil || *got.StateKey != "" {
		t.Errorf("state key = %v, want empty string", got.StateKey)
	}
	if got.Content["name"] != "ops" {
		t.Errorf("content = %v", got.Content)
	}
	if got.StreamPosition != created.StreamPosition {
		t.Errorf("stream position = %d, want %d", got.StreamPosition, created.StreamPosition)
	}
	if got.OriginServerTS != storeTestEpoch.UnixMilli() {
		t.Errorf("origin_server_ts = %d, want %d", got.OriginServerTS, storeTestEpoch.UnixMilli())
	}
}

func TestGetEventNotFound(t *testing.T) {
	store, _, _ := openTestStore(t)

	_, err := store.GetEvent(context.Background(), ref.MustParseEventID("$missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateAndDeleteEvent(t *testing.T) {
	store, _, _ := openTestStore(t)

	created := mustCreate(t, store, testRoom, alice, event.TypeMessage, nil,
		map[string]any{"body": "draft"}, 1)

	err := store.UpdateEvent(context.Background(), created.ID, event.Attributes{
		RoomID:  created.RoomID,
		Sender:  created.Sender,
		Type:    created.Type,
		Content: map[string]any{"body": "final"},
		Depth:   created.Depth,
	})
	if err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}

	got, err := store.GetEvent(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetEvent after update: %v", err)
	}
	if got.Content["body"] != "final" {
		t.Errorf("content after update = %v", got.Content)
	}

	if err := store.DeleteEvent(context.Background(), created.ID); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if _, err := store.GetEvent(context.Background(), created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEvent after delete: err = %v, want ErrNotFound", err)
	}
	if err := store.DeleteEvent(context.Background(), created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteEvent: err = %v, want ErrNotFound", err)
	}
}

func TestCurrentStateEventsLatestPerSlot(t *testing.T) {
	store, _, _ := openTestStore(t)

	seedRoom(t, store, testRoom)
	// Bob's membership changes: invite then join. Only the join is
	// current state.
	mustCreate(t, store, testRoom, bob, event.TypeMember, strPtr(bob.String()),
		map[string]any{"membership": "join"}, 4)
	// Timeline events never appear in state.
	mustCreate(t, store, testRoom, alice, event.TypeMessage, nil,
		map[string]any{"body": "hi"}, 5)

	state, err := store.CurrentStateEvents(context.Background(), testRoom)
	if err != nil {
		t.Fatalf("CurrentStateEvents: %v", err)
	}

	// create + alice member + bob member: three slots.
	if len(state) != 3 {
		t.Fatalf("state has %d events, want 3: %v", len(state), state)
	}
	for _, stateEvent := range state {
		if !stateEvent.IsState() {
			t.Errorf("non-state event %s in state", stateEvent.ID)
		}
		if stateEvent.Type == event.TypeMember && *stateEvent.StateKey == bob.String() {
			if stateEvent.Membership() != "join" {
				t.Errorf("bob's current membership = %q, want join", stateEvent.Membership())
			}
		}
	}
}

func TestRoomsForUser(t *testing.T) {
	store, _, _ := openTestStore(t)

	seedRoom(t, store, testRoom)
	// A second room where bob joined then left.
	mustCreate(t, store, testRoom2, bob, event.TypeCreate, strPtr(""),
		map[string]any{"creator": bob.String()}, 1)
	mustCreate(t, store, testRoom2, bob, event.TypeMember, strPtr(bob.String()),
		map[string]any{"membership": "join"}, 2)
	mustCreate(t, store, testRoom2, bob, event.TypeMember, strPtr(bob.String()),
		map[string]any{"membership": "leave"}, 3)

	rooms, err := store.RoomsForUser(context.Background(), bob)
	if err != nil {
		t.Fatalf("RoomsForUser: %v", err)
	}
	if rooms[testRoom] != "invite" {
		t.Errorf("membership in %s = %q, want invite", testRoom, rooms[testRoom])
	}
	if rooms[testRoom2] != "leave" {
		t.Errorf("membership in %s = %q, want leave", testRoom2, rooms[testRoom2])
	}
}

func TestEventsSince(t *testing.T) {
	store, _, _ := openTestStore(t)

	events := seedRoom(t, store, testRoom)
	since := events[0].StreamPosition

	newer, err := store.EventsSince(context.Background(), testRoom, since, 10)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(newer) != 2 {
		t.Fatalf("got %d events, want 2", len(newer))
	}
	if newer[0].StreamPosition <= since || newer[0].StreamPosition >= newer[1].StreamPosition {
		t.Errorf("events not in ascending stream order after %d: %d, %d",
			since, newer[0].StreamPosition, newer[1].StreamPosition)
	}

	// Limit truncates from the oldest end.
	limited, err := store.EventsSince(context.Background(), testRoom, 0, 1)
	if err != nil {
		t.Fatalf("EventsSince with limit: %v", err)
	}
	if len(limited) != 1 || limited[0].StreamPosition != events[0].StreamPosition {
		t.Errorf("limited read = %v, want just the first event", limited)
	}
}

func TestFindOrCreateStateKeyStable(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	first, err := store.FindOrCreateStateKey(ctx, "@carol:hearth.local")
	if err != nil {
		t.Fatalf("FindOrCreateStateKey: %v", err)
	}
	second, err := store.FindOrCreateStateKey(ctx, "@carol:hearth.local")
	if err != nil {
		t.Fatalf("FindOrCreateStateKey again: %v", err)
	}
	if first.NID != second.NID {
		t.Errorf("NIDs differ for equal text: %d vs %d", first.NID, second.NID)
	}

	other, err := store.FindOrCreateStateKey(ctx, "@dave:hearth.local")
	if err != nil {
		t.Fatalf("FindOrCreateStateKey other: %v", err)
	}
	if other.NID == first.NID {
		t.Errorf("distinct keys share NID %d", first.NID)
	}
}

func TestFindOrCreateStateKeyConcurrent(t *testing.T) {
	store, _, _ := openTestStore(t)

	const goroutines = 16
	results := make(chan int64, goroutines)
	start := make(chan struct{})

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			record, err := store.FindOrCreateStateKey(context.Background(), "@race:hearth.local")
			if err != nil {
				t.Errorf("FindOrCreateStateKey: %v", err)
				return
			}
			results <- record.NID
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	nids := map[int64]int{}
	for nid := range results {
		nids[nid]++
	}
	if len(nids) != 1 {
		t.Errorf("concurrent interning produced %d distinct NIDs: %v", len(nids), nids)
	}
}

func TestPresenceRoundTrip(t *testing.T) {
	store, fakeClock, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.GetPresence(ctx, alice); !errors.Is(err, ErrNotFound) {
		t.Errorf("presence for unknown user: err = %v, want ErrNotFound", err)
	}

	if err := store.SetPresence(ctx, alice, PresenceOnline, "here"); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}
	record, err := store.GetPresence(ctx, alice)
	if err != nil {
		t.Fatalf("GetPresence: %v", err)
	}
	if record.State != PresenceOnline || record.StatusMsg != "here" {
		t.Errorf("record = %+v", record)
	}
	onlineTS := record.LastActiveTS
	if onlineTS != storeTestEpoch.UnixMilli() {
		t.Errorf("last_active_ts = %d, want %d", onlineTS, storeTestEpoch.UnixMilli())
	}

	// Going offline later preserves the online timestamp.
	fakeClock.Advance(time.Minute)
	if err := store.SetPresence(ctx, alice, PresenceOffline, ""); err != nil {
		t.Fatalf("SetPresence offline: %v", err)
	}
	record, err = store.GetPresence(ctx, alice)
	if err != nil {
		t.Fatalf("GetPresence after offline: %v", err)
	}
	if record.State != PresenceOffline {
		t.Errorf("state = %q, want offline", record.State)
	}
	if record.LastActiveTS != onlineTS {
		t.Errorf("last_active_ts changed on offline: %d, want %d", record.LastActiveTS, onlineTS)
	}

	if err := store.SetPresence(ctx, alice, "away", ""); err == nil {
		t.Error("SetPresence accepted unknown state")
	}
}

func TestFilterRoundTrip(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	definition := []byte(`{"room":{"timeline":{"limit":5}}}`)
	filterID, err := store.PutFilter(ctx, alice, definition)
	if err != nil {
		t.Fatalf("PutFilter: %v", err)
	}

	// Content-derived IDs: the same definition re-uploads to the
	// same ID.
	again, err := store.PutFilter(ctx, alice, definition)
	if err != nil {
		t.Fatalf("PutFilter again: %v", err)
	}
	if again != filterID {
		t.Errorf("re-upload changed filter ID: %q vs %q", again, filterID)
	}

	got, err := store.GetFilter(ctx, alice, filterID)
	if err != nil {
		t.Fatalf("GetFilter: %v", err)
	}
	if string(got) != string(definition) {
		t.Errorf("definition = %s, want %s", got, definition)
	}

	// Filters are per-user.
	if _, err := store.GetFilter(ctx, bob, filterID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-user filter read: err = %v, want ErrNotFound", err)
	}

	if _, err := store.PutFilter(ctx, alice, []byte("{not json")); err == nil {
		t.Error("PutFilter accepted invalid JSON")
	}
}
