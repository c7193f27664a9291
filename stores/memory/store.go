package memory

import (
	"chatroom-server/core"
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type roomRecord struct {
	createdAt time.Time
	order     int64
	members   []string
}

type chatStore struct {
	mu       sync.RWMutex
	clock    core.Clock
	seq      int64
	messages map[string][]core.Message
	users    []string
	known    map[string]struct{}
	rooms    map[string]*roomRecord
	roomSeq  int64
}

func NewStore() core.ChatStore {
	return &chatStore{
		messages: make(map[string][]core.Message),
		known:    make(map[string]struct{}),
		rooms:    make(map[string]*roomRecord),
	}
}

func (s *chatStore) Append(ctx context.Context, msg core.Message) (*core.Message, error) {
	if msg.Scope == "" {
		return nil, fmt.Errorf("message scope is required")
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}

	s.mu.Lock()
	s.seq++
	msg.Seq = s.seq
	msg.Timestamp = s.clock.Next()
	s.messages[msg.Scope] = append(s.messages[msg.Scope], msg)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"scope":      msg.Scope,
		"username":   msg.Author,
	}).Debug("Message appended")
	return &msg, nil
}

// Recent walks the scope backwards; timestamps and sequence numbers are both
// assigned under the store lock, so append order is already the sort order.
func (s *chatStore) Recent(ctx context.Context, scope string, limit int) ([]core.Message, error) {
	if limit <= 0 {
		limit = core.DefaultHistoryLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.messages[scope]
	if limit > len(stream) {
		limit = len(stream)
	}
	out := make([]core.Message, 0, limit)
	for i := len(stream) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, stream[i])
	}
	return out, nil
}

func (s *chatStore) EnsureUser(ctx context.Context, username string) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.known[username]; !ok {
		s.known[username] = struct{}{}
		s.users = append(s.users, username)
		logrus.WithField("username", username).Debug("User registered")
	}
	return nil
}

func (s *chatStore) UserExists(ctx context.Context, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.known[username]
	return ok, nil
}

func (s *chatStore) AnyUser(ctx context.Context, exclude string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]string, 0, len(s.users))
	for _, u := range s.users {
		if u != exclude {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}
	return candidates[rand.Intn(len(candidates))], nil
}

func (s *chatStore) CreateRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; ok {
		return nil
	}
	s.roomSeq++
	s.rooms[roomID] = &roomRecord{createdAt: time.Now().UTC(), order: s.roomSeq}
	logrus.WithField("room_id", roomID).Info("Private room created")
	return nil
}

func (s *chatStore) WaitingRoom(ctx context.Context, exclude string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found string
		order int64
	)
	for id, room := range s.rooms {
		if len(room.members) != 1 || room.members[0] == exclude {
			continue
		}
		if found == "" || room.order < order {
			found, order = id, room.order
		}
	}
	return found, nil
}

func (s *chatStore) Reserve(ctx context.Context, roomID, username string, capacity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
	}
	for _, member := range room.members {
		if member == username {
			return core.ErrAlreadyMember
		}
	}
	if len(room.members) >= capacity {
		return core.ErrRoomFull
	}
	room.members = append(room.members, username)
	return nil
}

func (s *chatStore) Release(ctx context.Context, roomID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	for i, member := range room.members {
		if member == username {
			room.members = append(room.members[:i], room.members[i+1:]...)
			break
		}
	}
	return nil
}

func (s *chatStore) Occupants(ctx context.Context, roomID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return 0, nil
	}
	return len(room.members), nil
}

func (s *chatStore) IsMember(ctx context.Context, roomID, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return false, nil
	}
	for _, member := range room.members {
		if member == username {
			return true, nil
		}
	}
	return false, nil
}

func (s *chatStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		room  core.Room
		order int64
	}
	entries := make([]entry, 0, len(s.rooms))
	for id, room := range s.rooms {
		entries = append(entries, entry{
			room:  core.Room{ID: id, Members: len(room.members), CreatedAt: room.createdAt},
			order: room.order,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	rooms := make([]core.Room, 0, len(entries))
	for _, e := range entries {
		rooms = append(rooms, e.room)
	}
	return rooms, nil
}

func (s *chatStore) Close() error {
	return nil
}
