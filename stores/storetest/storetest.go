// Package storetest holds behaviour tests shared by every store backend.
package storetest

import (
	"chatroom-server/core"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// RunMessageStore exercises append and history retrieval.
func RunMessageStore(t *testing.T, newStore func(t *testing.T) core.MessageStore) {
	t.Run("AppendAssignsFields", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		msg, err := store.Append(ctx, core.Message{Scope: core.PublicRoomID, Author: "alice", Content: "hello"})
		if err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
		if msg.ID == "" {
			t.Error("Append() left ID empty")
		}
		if msg.Seq == 0 {
			t.Error("Append() left Seq unset")
		}
		if msg.Timestamp.IsZero() {
			t.Error("Append() left Timestamp unset")
		}

		kept, err := store.Append(ctx, core.Message{ID: "fixed-id", Scope: core.PublicRoomID, Author: "alice", Content: "again"})
		if err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
		if kept.ID != "fixed-id" {
			t.Errorf("Append() replaced ID: got %q", kept.ID)
		}
	})

	t.Run("AppendRequiresScope", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.Append(context.Background(), core.Message{Author: "alice", Content: "x"}); err == nil {
			t.Error("Append() without scope succeeded")
		}
	})

	t.Run("RecentIsCappedAndDescending", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i := 0; i < 15; i++ {
			if _, err := store.Append(ctx, core.Message{Scope: "room", Author: "alice", Content: fmt.Sprintf("msg-%d", i)}); err != nil {
				t.Fatalf("Append() failed: %v", err)
			}
		}

		got, err := store.Recent(ctx, "room", core.DefaultHistoryLimit)
		if err != nil {
			t.Fatalf("Recent() failed: %v", err)
		}
		if len(got) != core.DefaultHistoryLimit {
			t.Fatalf("Recent() returned %d messages, want %d", len(got), core.DefaultHistoryLimit)
		}
		if got[0].Content != "msg-14" || got[9].Content != "msg-5" {
			t.Errorf("Recent() window = %q..%q, want msg-14..msg-5", got[0].Content, got[9].Content)
		}
		for i := 1; i < len(got); i++ {
			if !got[i-1].Timestamp.After(got[i].Timestamp) {
				t.Errorf("Recent() not strictly descending at %d: %v then %v", i, got[i-1].Timestamp, got[i].Timestamp)
			}
		}
	})

	t.Run("RecentIsScoped", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		if _, err := store.Append(ctx, core.Message{Scope: "a", Author: "alice", Content: "in a"}); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
		if _, err := store.Append(ctx, core.Message{Scope: "b", Author: "bob", Content: "in b"}); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}

		got, err := store.Recent(ctx, "a", 10)
		if err != nil {
			t.Fatalf("Recent() failed: %v", err)
		}
		if len(got) != 1 || got[0].Content != "in a" {
			t.Errorf("Recent(a) = %+v", got)
		}

		empty, err := store.Recent(ctx, "nobody", 10)
		if err != nil {
			t.Fatalf("Recent() failed: %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("Recent() on empty scope returned %d messages", len(empty))
		}
	})

	t.Run("RecentKeepsFileReference", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.Append(ctx, core.Message{Scope: "room", Author: "alice", FileName: "cat.png", FileURL: "/media/cat.png"})
		if err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
		got, err := store.Recent(ctx, "room", 1)
		if err != nil {
			t.Fatalf("Recent() failed: %v", err)
		}
		if len(got) != 1 || got[0].FileName != "cat.png" || got[0].FileURL != "/media/cat.png" {
			t.Errorf("Recent() = %+v, want file reference", got)
		}
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					if _, err := store.Append(ctx, core.Message{Scope: "busy", Author: fmt.Sprintf("user-%d", w), Content: "hi"}); err != nil {
						t.Errorf("Append() failed: %v", err)
					}
				}
			}(w)
		}
		wg.Wait()

		got, err := store.Recent(ctx, "busy", 40)
		if err != nil {
			t.Fatalf("Recent() failed: %v", err)
		}
		if len(got) != 40 {
			t.Fatalf("Recent() returned %d messages, want 40", len(got))
		}
		for i := 1; i < len(got); i++ {
			prev, cur := got[i-1], got[i]
			if cur.Timestamp.After(prev.Timestamp) || (cur.Timestamp.Equal(prev.Timestamp) && cur.Seq > prev.Seq) {
				t.Errorf("Recent() out of order at %d", i)
			}
		}
	})
}

// RunUserStore exercises user registration and lookup.
func RunUserStore(t *testing.T, newStore func(t *testing.T) core.UserStore) {
	t.Run("EnsureUserIsIdempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			if err := store.EnsureUser(ctx, "alice"); err != nil {
				t.Fatalf("EnsureUser() failed: %v", err)
			}
		}
		ok, err := store.UserExists(ctx, "alice")
		if err != nil || !ok {
			t.Errorf("UserExists(alice) = %v, %v", ok, err)
		}
		ok, err = store.UserExists(ctx, "mallory")
		if err != nil || ok {
			t.Errorf("UserExists(mallory) = %v, %v", ok, err)
		}
	})

	t.Run("AnyUserExcludes", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		other, err := store.AnyUser(ctx, "alice")
		if err != nil {
			t.Fatalf("AnyUser() failed: %v", err)
		}
		if other != "" {
			t.Errorf("AnyUser() on empty store = %q", other)
		}

		if err := store.EnsureUser(ctx, "alice"); err != nil {
			t.Fatalf("EnsureUser() failed: %v", err)
		}
		other, err = store.AnyUser(ctx, "alice")
		if err != nil || other != "" {
			t.Errorf("AnyUser(alice) with only alice = %q, %v", other, err)
		}

		if err := store.EnsureUser(ctx, "bob"); err != nil {
			t.Fatalf("EnsureUser() failed: %v", err)
		}
		for i := 0; i < 5; i++ {
			other, err = store.AnyUser(ctx, "alice")
			if err != nil || other != "bob" {
				t.Errorf("AnyUser(alice) = %q, %v, want bob", other, err)
			}
		}
	})
}

// RunMembershipStore exercises private room records and the reserve primitive.
func RunMembershipStore(t *testing.T, newStore func(t *testing.T) core.MembershipStore) {
	t.Run("ReserveUpToCapacity", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		if err := store.CreateRoom(ctx, "room"); err != nil {
			t.Fatalf("CreateRoom() failed: %v", err)
		}
		if err := store.CreateRoom(ctx, "room"); err != nil {
			t.Fatalf("CreateRoom() twice failed: %v", err)
		}

		if err := store.Reserve(ctx, "room", "alice", core.PrivateRoomCapacity); err != nil {
			t.Fatalf("Reserve(alice) failed: %v", err)
		}
		if err := store.Reserve(ctx, "room", "alice", core.PrivateRoomCapacity); !errors.Is(err, core.ErrAlreadyMember) {
			t.Errorf("Reserve(alice) again = %v, want ErrAlreadyMember", err)
		}
		if err := store.Reserve(ctx, "room", "bob", core.PrivateRoomCapacity); err != nil {
			t.Fatalf("Reserve(bob) failed: %v", err)
		}
		if err := store.Reserve(ctx, "room", "carol", core.PrivateRoomCapacity); !errors.Is(err, core.ErrRoomFull) {
			t.Errorf("Reserve(carol) = %v, want ErrRoomFull", err)
		}

		n, err := store.Occupants(ctx, "room")
		if err != nil || n != 2 {
			t.Errorf("Occupants() = %d, %v, want 2", n, err)
		}
	})

	t.Run("ReserveUnknownRoom", func(t *testing.T) {
		store := newStore(t)
		if err := store.Reserve(context.Background(), "ghost", "alice", 2); !errors.Is(err, core.ErrNotFound) {
			t.Errorf("Reserve() on unknown room = %v, want ErrNotFound", err)
		}
	})

	t.Run("ConcurrentReserve", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.CreateRoom(ctx, "contested"); err != nil {
			t.Fatalf("CreateRoom() failed: %v", err)
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := store.Reserve(ctx, "contested", fmt.Sprintf("user-%d", i), core.PrivateRoomCapacity)
				if err == nil {
					mu.Lock()
					admitted++
					mu.Unlock()
				} else if !errors.Is(err, core.ErrRoomFull) {
					t.Errorf("Reserve() = %v, want nil or ErrRoomFull", err)
				}
			}(i)
		}
		wg.Wait()

		if admitted != core.PrivateRoomCapacity {
			t.Errorf("admitted %d users, want %d", admitted, core.PrivateRoomCapacity)
		}
	})

	t.Run("ReleaseIsIdempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.CreateRoom(ctx, "room"); err != nil {
			t.Fatalf("CreateRoom() failed: %v", err)
		}
		if err := store.Reserve(ctx, "room", "alice", 2); err != nil {
			t.Fatalf("Reserve() failed: %v", err)
		}

		for i := 0; i < 2; i++ {
			if err := store.Release(ctx, "room", "alice"); err != nil {
				t.Fatalf("Release() failed: %v", err)
			}
		}
		if err := store.Release(ctx, "ghost", "alice"); err != nil {
			t.Errorf("Release() on unknown room failed: %v", err)
		}

		n, err := store.Occupants(ctx, "room")
		if err != nil || n != 0 {
			t.Errorf("Occupants() = %d, %v, want 0", n, err)
		}
	})

	t.Run("IsMember", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.CreateRoom(ctx, "room"); err != nil {
			t.Fatalf("CreateRoom() failed: %v", err)
		}
		if err := store.Reserve(ctx, "room", "alice", 2); err != nil {
			t.Fatalf("Reserve() failed: %v", err)
		}

		tests := []struct {
			room, user string
			want       bool
		}{
			{"room", "alice", true},
			{"room", "bob", false},
			{"ghost", "alice", false},
		}
		for _, tt := range tests {
			got, err := store.IsMember(ctx, tt.room, tt.user)
			if err != nil || got != tt.want {
				t.Errorf("IsMember(%s, %s) = %v, %v, want %v", tt.room, tt.user, got, err, tt.want)
			}
		}

		if err := store.Release(ctx, "room", "alice"); err != nil {
			t.Fatalf("Release() failed: %v", err)
		}
		if got, err := store.IsMember(ctx, "room", "alice"); err != nil || got {
			t.Errorf("IsMember() after release = %v, %v, want false", got, err)
		}
	})

	t.Run("WaitingRoom", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		got, err := store.WaitingRoom(ctx, "bob")
		if err != nil || got != "" {
			t.Fatalf("WaitingRoom() on empty store = %q, %v", got, err)
		}

		for _, id := range []string{"first", "second", "full", "empty"} {
			if err := store.CreateRoom(ctx, id); err != nil {
				t.Fatalf("CreateRoom(%s) failed: %v", id, err)
			}
		}
		mustReserve := func(room, user string) {
			if err := store.Reserve(ctx, room, user, 2); err != nil {
				t.Fatalf("Reserve(%s, %s) failed: %v", room, user, err)
			}
		}
		mustReserve("first", "alice")
		mustReserve("second", "carol")
		mustReserve("full", "dave")
		mustReserve("full", "erin")

		got, err = store.WaitingRoom(ctx, "bob")
		if err != nil || got != "first" {
			t.Errorf("WaitingRoom(bob) = %q, %v, want first", got, err)
		}

		got, err = store.WaitingRoom(ctx, "alice")
		if err != nil || got != "second" {
			t.Errorf("WaitingRoom(alice) = %q, %v, want second", got, err)
		}
	})

	t.Run("ListRooms", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"one", "two"} {
			if err := store.CreateRoom(ctx, id); err != nil {
				t.Fatalf("CreateRoom(%s) failed: %v", id, err)
			}
		}
		if err := store.Reserve(ctx, "two", "alice", 2); err != nil {
			t.Fatalf("Reserve() failed: %v", err)
		}

		rooms, err := store.ListRooms(ctx)
		if err != nil {
			t.Fatalf("ListRooms() failed: %v", err)
		}
		counts := make(map[string]int, len(rooms))
		for _, r := range rooms {
			counts[r.ID] = r.Members
		}
		if len(counts) != 2 || counts["one"] != 0 || counts["two"] != 1 {
			t.Errorf("ListRooms() counts = %v", counts)
		}
	})
}
