package chatrooms

import (
	"chatroom-server/core"
	"chatroom-server/middleware"
	"chatroom-server/stores/memory"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type mockLiveRooms map[string]int

func (m mockLiveRooms) Snapshot() map[string]int { return m }

type mockMemberships struct {
	core.MembershipStore
	rooms     []core.Room
	members   map[string][]string
	listErr   error
	memberErr error
}

func (m *mockMemberships) ListRooms(ctx context.Context) ([]core.Room, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.rooms, nil
}

func (m *mockMemberships) IsMember(ctx context.Context, roomID, username string) (bool, error) {
	if m.memberErr != nil {
		return false, m.memberErr
	}
	for _, member := range m.members[roomID] {
		if member == username {
			return true, nil
		}
	}
	return false, nil
}

type mockMessages struct {
	core.MessageStore
	recentErr error
	lastScope string
	lastLimit int
}

func (m *mockMessages) Recent(ctx context.Context, scope string, limit int) ([]core.Message, error) {
	m.lastScope, m.lastLimit = scope, limit
	if m.recentErr != nil {
		return nil, m.recentErr
	}
	return nil, nil
}

func requestAs(method, target, username string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	if username != "" {
		req = req.WithContext(middleware.WithUsername(req.Context(), username))
	}
	return req
}

func listRooms(t *testing.T, live LiveRooms, memberships core.MembershipStore, username string) []RoomInfo {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleListRooms(live, memberships)(rec, requestAs(http.MethodGet, "/api/rooms", username))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}
	var rooms []RoomInfo
	if err := json.NewDecoder(rec.Body).Decode(&rooms); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return rooms
}

func roomIDs(rooms []RoomInfo) []string {
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestHandleListRooms_OnlyPublicAndOwnRooms(t *testing.T) {
	created := time.UnixMilli(1700000000000)
	live := mockLiveRooms{core.PublicRoomID: 5, "private_chat_alice_bob": 2, "private_chat_carol_dave": 2}
	memberships := &mockMemberships{
		rooms: []core.Room{
			{ID: "private_chat_alice_bob", Members: 2, CreatedAt: created},
			{ID: "private_chat_carol_dave", Members: 2, CreatedAt: created},
			{ID: "private_chat_alice_none", Members: 1},
			{ID: "private_chat_erin_none", Members: 1, CreatedAt: created},
		},
		members: map[string][]string{
			"private_chat_alice_bob":  {"alice", "bob"},
			"private_chat_carol_dave": {"carol", "dave"},
			"private_chat_alice_none": {"alice"},
			"private_chat_erin_none":  {"erin"},
		},
	}

	rooms := listRooms(t, live, memberships, "alice")

	wantOrder := []string{core.PublicRoomID, "private_chat_alice_bob", "private_chat_alice_none"}
	if got := roomIDs(rooms); fmt.Sprint(got) != fmt.Sprint(wantOrder) {
		t.Fatalf("rooms = %v, want %v", got, wantOrder)
	}
	if rooms[0].Members != nil {
		t.Errorf("public room should carry no membership count, got %d", *rooms[0].Members)
	}
	if rooms[1].Users != 2 || rooms[1].Members == nil || *rooms[1].Members != 2 {
		t.Errorf("private_chat_alice_bob = %+v", rooms[1])
	}
	if rooms[1].CreatedAt == nil || *rooms[1].CreatedAt != created.UnixMilli() {
		t.Errorf("private_chat_alice_bob createdAt = %v", rooms[1].CreatedAt)
	}
	if rooms[2].CreatedAt != nil {
		t.Errorf("zero createdAt should be omitted, got %d", *rooms[2].CreatedAt)
	}

	rooms = listRooms(t, live, memberships, "mallory")
	if got := roomIDs(rooms); len(got) != 1 || got[0] != core.PublicRoomID {
		t.Errorf("outsider sees %v, want only the public room", got)
	}
}

func TestHandleListRooms_StoreErrors(t *testing.T) {
	live := mockLiveRooms{core.PublicRoomID: 1, "private_chat_alice_bob": 2}

	rooms := listRooms(t, live, &mockMemberships{
		listErr: fmt.Errorf("db down"),
		members: map[string][]string{"private_chat_alice_bob": {"alice"}},
	}, "alice")
	if got := roomIDs(rooms); fmt.Sprint(got) != fmt.Sprint([]string{"private_chat_alice_bob", core.PublicRoomID}) {
		t.Errorf("list failure: rooms = %v", got)
	}

	rooms = listRooms(t, live, &mockMemberships{memberErr: fmt.Errorf("db down")}, "alice")
	if got := roomIDs(rooms); len(got) != 1 || got[0] != core.PublicRoomID {
		t.Errorf("membership failure should hide private rooms, got %v", got)
	}
}

func TestHandleListRooms_Empty(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleListRooms(mockLiveRooms{}, &mockMemberships{})(rec, requestAs(http.MethodGet, "/api/rooms", "alice"))

	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestHandleRoomMessages(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		if _, err := store.Append(ctx, core.Message{Scope: core.PublicRoomID, Author: "alice", Content: fmt.Sprintf("msg-%d", i)}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	r := chi.NewRouter()
	r.Get("/api/rooms/{roomId}/messages", HandleRoomMessages(store, store, 10))

	testCases := []struct {
		name      string
		query     string
		wantCount int
		wantFirst string
	}{
		{"Default limit", "", 10, "msg-14"},
		{"Explicit limit", "?limit=3", 3, "msg-14"},
		{"Invalid limit", "?limit=abc", 10, "msg-14"},
		{"Negative limit", "?limit=-1", 10, "msg-14"},
		{"Limit above total", "?limit=50", 15, "msg-14"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, requestAs(http.MethodGet, "/api/rooms/public/messages"+tc.query, "bob"))

			if rec.Code != http.StatusOK {
				t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
			}
			var messages []core.Message
			if err := json.NewDecoder(rec.Body).Decode(&messages); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if len(messages) != tc.wantCount {
				t.Fatalf("got %d messages, want %d", len(messages), tc.wantCount)
			}
			if messages[0].Content != tc.wantFirst {
				t.Errorf("first message = %q, want %q", messages[0].Content, tc.wantFirst)
			}
		})
	}
}

func TestHandleRoomMessages_PrivateRoomNeedsMembership(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	roomID := "private_chat_alice_bob"
	if err := store.CreateRoom(ctx, roomID); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	for _, u := range []string{"alice", "bob"} {
		if err := store.Reserve(ctx, roomID, u, core.PrivateRoomCapacity); err != nil {
			t.Fatalf("Reserve(%s) error = %v", u, err)
		}
	}
	if _, err := store.Append(ctx, core.Message{Scope: roomID, Author: "alice", Content: "secret for bob"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	r := chi.NewRouter()
	r.Get("/api/rooms/{roomId}/messages", HandleRoomMessages(store, store, 10))

	testCases := []struct {
		name     string
		username string
		wantCode int
	}{
		{"Member", "bob", http.StatusOK},
		{"Outsider", "mallory", http.StatusNotFound},
		{"No identity", "", http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, requestAs(http.MethodGet, "/api/rooms/"+roomID+"/messages", tc.username))

			if rec.Code != tc.wantCode {
				t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, tc.wantCode)
			}
			if tc.wantCode != http.StatusOK {
				return
			}
			var messages []core.Message
			if err := json.NewDecoder(rec.Body).Decode(&messages); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if len(messages) != 1 || messages[0].Content != "secret for bob" {
				t.Errorf("messages = %+v", messages)
			}
		})
	}
}

func TestHandleRoomMessages_UnknownRoomIsNotFound(t *testing.T) {
	messages := &mockMessages{}
	r := chi.NewRouter()
	r.Get("/api/rooms/{roomId}/messages", HandleRoomMessages(messages, &mockMemberships{}, 10))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, requestAs(http.MethodGet, "/api/rooms/nowhere/messages", "alice"))

	if rec.Code != http.StatusNotFound {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusNotFound)
	}
	if messages.lastScope != "" {
		t.Errorf("Recent should not be called, got scope %q", messages.lastScope)
	}
}

func TestHandleRoomMessages_StoreErrors(t *testing.T) {
	testCases := []struct {
		name        string
		roomID      string
		messages    *mockMessages
		memberships *mockMemberships
	}{
		{"History", core.PublicRoomID, &mockMessages{recentErr: fmt.Errorf("db down")}, &mockMemberships{}},
		{"Membership", "private_chat_alice_bob", &mockMessages{}, &mockMemberships{memberErr: fmt.Errorf("db down")}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Get("/api/rooms/{roomId}/messages", HandleRoomMessages(tc.messages, tc.memberships, 10))

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, requestAs(http.MethodGet, "/api/rooms/"+tc.roomID+"/messages", "alice"))

			if rec.Code != http.StatusInternalServerError {
				t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusInternalServerError)
			}
		})
	}
}

func TestParseLimit(t *testing.T) {
	testCases := []struct {
		query        string
		defaultValue int
		want         int
	}{
		{"", 10, 10},
		{"limit=5", 10, 5},
		{"limit=0", 10, 10},
		{"limit=1000", 10, MaxHistoryLimit},
		{"limit=x", 10, 10},
		{"", 0, core.DefaultHistoryLimit},
	}

	for _, tc := range testCases {
		req := httptest.NewRequest(http.MethodGet, "/?"+tc.query, nil)
		if got := ParseLimit(req, tc.defaultValue); got != tc.want {
			t.Errorf("ParseLimit(%q, %d) = %d, want %d", tc.query, tc.defaultValue, got, tc.want)
		}
	}
}
