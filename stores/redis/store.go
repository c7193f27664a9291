// Package redis keeps users and private room membership records in Redis so
// that reservations stay atomic through a Lua script.
package redis

import (
	"chatroom-server/core"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	reserved      = 1
	roomFull      = 0
	roomMissing   = -1
	alreadyMember = -2
)

var reserveScript = redis.NewScript(`
	local rooms = KEYS[1]
	local members = KEYS[2]
	local room_id = ARGV[1]
	local username = ARGV[2]
	local capacity = tonumber(ARGV[3])

	if not redis.call('ZSCORE', rooms, room_id) then
		return -1
	end
	if redis.call('SISMEMBER', members, username) == 1 then
		return -2
	end
	if redis.call('SCARD', members) >= capacity then
		return 0
	end
	redis.call('SADD', members, username)
	return 1
`)

// waitingScript returns the oldest room with exactly one member other than
// ARGV[2], or nil.
var waitingScript = redis.NewScript(`
	local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
	for _, id in ipairs(ids) do
		local key = ARGV[1] .. id
		if redis.call('SCARD', key) == 1 then
			local members = redis.call('SMEMBERS', key)
			if members[1] ~= ARGV[2] then
				return id
			end
		end
	end
	return false
`)

// Store holds users and membership records under a key prefix.
type Store struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) usersKey() string {
	return s.prefix + "users"
}

func (s *Store) roomsKey() string {
	return s.prefix + "rooms"
}

func (s *Store) roomPrefix() string {
	return s.prefix + "room:"
}

func (s *Store) membersKey(roomID string) string {
	return s.roomPrefix() + roomID
}

func (s *Store) EnsureUser(ctx context.Context, username string) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if err := s.client.SAdd(ctx, s.usersKey(), username).Err(); err != nil {
		logrus.WithFields(logrus.Fields{
			"username": username,
			"error":    err,
		}).Error("Failed to register user")
		return err
	}
	return nil
}

func (s *Store) UserExists(ctx context.Context, username string) (bool, error) {
	return s.client.SIsMember(ctx, s.usersKey(), username).Result()
}

func (s *Store) AnyUser(ctx context.Context, exclude string) (string, error) {
	// two distinct members always include one that is not exclude
	candidates, err := s.client.SRandMemberN(ctx, s.usersKey(), 2).Result()
	if err != nil {
		return "", err
	}
	for _, c := range candidates {
		if c != exclude {
			return c, nil
		}
	}
	return "", nil
}

func (s *Store) CreateRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	log := logrus.WithField("room_id", roomID)

	added, err := s.client.ZAddNX(ctx, s.roomsKey(), redis.Z{
		Score:  float64(time.Now().UnixMicro()),
		Member: roomID,
	}).Result()
	if err != nil {
		log.WithField("error", err).Error("Failed to create room")
		return err
	}
	if added > 0 {
		log.Info("Private room created")
	}
	return nil
}

func (s *Store) WaitingRoom(ctx context.Context, exclude string) (string, error) {
	roomID, err := waitingScript.Run(ctx, s.client, []string{s.roomsKey()}, s.roomPrefix(), exclude).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		logrus.WithField("error", err).Error("Failed to find waiting room")
		return "", err
	}
	return roomID, nil
}

func (s *Store) Reserve(ctx context.Context, roomID, username string, capacity int) error {
	log := logrus.WithFields(logrus.Fields{
		"room_id":  roomID,
		"username": username,
	})

	result, err := reserveScript.Run(ctx, s.client,
		[]string{s.roomsKey(), s.membersKey(roomID)},
		roomID, username, capacity,
	).Int()
	if err != nil {
		log.WithField("error", err).Error("Failed to run reserve script")
		return fmt.Errorf("failed to run reserve script: %w", err)
	}

	switch result {
	case reserved:
		log.Debug("Membership reserved")
		return nil
	case roomFull:
		return core.ErrRoomFull
	case roomMissing:
		return fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
	case alreadyMember:
		return core.ErrAlreadyMember
	default:
		return fmt.Errorf("unexpected reserve result: %d", result)
	}
}

func (s *Store) Release(ctx context.Context, roomID, username string) error {
	return s.client.SRem(ctx, s.membersKey(roomID), username).Err()
}

func (s *Store) Occupants(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.SCard(ctx, s.membersKey(roomID)).Result()
	return int(n), err
}

func (s *Store) IsMember(ctx context.Context, roomID, username string) (bool, error) {
	return s.client.SIsMember(ctx, s.membersKey(roomID), username).Result()
}

func (s *Store) ListRooms(ctx context.Context) ([]core.Room, error) {
	entries, err := s.client.ZRangeWithScores(ctx, s.roomsKey(), 0, -1).Result()
	if err != nil {
		logrus.WithField("error", err).Error("Failed to list rooms")
		return nil, err
	}

	pipe := s.client.Pipeline()
	counts := make([]*redis.IntCmd, len(entries))
	for i, e := range entries {
		counts[i] = pipe.SCard(ctx, s.membersKey(e.Member.(string)))
	}
	if len(entries) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}

	rooms := make([]core.Room, 0, len(entries))
	for i, e := range entries {
		rooms = append(rooms, core.Room{
			ID:        e.Member.(string),
			Members:   int(counts[i].Val()),
			CreatedAt: time.UnixMicro(int64(e.Score)).UTC(),
		})
	}
	return rooms, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
