// Package postgres stores messages, users and private room memberships in
// PostgreSQL through a pgx connection pool.
package postgres

import (
	"chatroom-server/core"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	scope TEXT NOT NULL,
	author TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	file_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_scope_created ON messages (scope, created_at DESC, seq DESC);
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS rooms (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS memberships (
	room_id TEXT NOT NULL REFERENCES rooms (id) ON DELETE CASCADE,
	username TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (room_id, username)
);`

type chatStore struct {
	pool *pgxpool.Pool

	appendMu sync.Mutex
	clock    core.Clock
}

// Open connects to databaseURL and creates the schema when missing.
func Open(ctx context.Context, databaseURL string) (core.ChatStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &chatStore{pool: pool}

	var last *time.Time
	if err := pool.QueryRow(ctx, "SELECT MAX(created_at) FROM messages").Scan(&last); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to read latest message time: %w", err)
	}
	if last != nil {
		s.clock.Observe(*last)
	}

	return s, nil
}

func (s *chatStore) Append(ctx context.Context, msg core.Message) (*core.Message, error) {
	if msg.Scope == "" {
		return nil, fmt.Errorf("message scope is required")
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	log := logrus.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"scope":      msg.Scope,
		"username":   msg.Author,
	})

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	msg.Timestamp = s.clock.Next()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (id, scope, author, content, file_name, file_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING seq`,
		msg.ID, msg.Scope, msg.Author, msg.Content, msg.FileName, msg.FileURL, msg.Timestamp).Scan(&msg.Seq)
	if err != nil {
		log.WithField("error", err).Error("Failed to append message")
		return nil, err
	}

	log.Debug("Message appended")
	return &msg, nil
}

func (s *chatStore) Recent(ctx context.Context, scope string, limit int) ([]core.Message, error) {
	if limit <= 0 {
		limit = core.DefaultHistoryLimit
	}
	log := logrus.WithField("scope", scope)
	log.Debug("Retrieving recent messages")

	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, scope, author, content, file_name, file_url, created_at
		 FROM messages WHERE scope = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`,
		scope, limit)
	if err != nil {
		log.WithField("error", err).Error("Failed to retrieve recent messages")
		return nil, err
	}
	defer rows.Close()

	messages := make([]core.Message, 0, limit)
	for rows.Next() {
		var msg core.Message
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.Scope, &msg.Author, &msg.Content, &msg.FileName, &msg.FileURL, &msg.Timestamp); err != nil {
			log.WithField("error", err).Error("Failed to scan message")
			return nil, err
		}
		msg.Timestamp = msg.Timestamp.UTC()
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *chatStore) EnsureUser(ctx context.Context, username string) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}
	_, err := s.pool.Exec(ctx, "INSERT INTO users (username) VALUES ($1) ON CONFLICT (username) DO NOTHING", username)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"username": username,
			"error":    err,
		}).Error("Failed to register user")
	}
	return err
}

func (s *chatStore) UserExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)", username).Scan(&exists)
	return exists, err
}

func (s *chatStore) AnyUser(ctx context.Context, exclude string) (string, error) {
	var username string
	err := s.pool.QueryRow(ctx,
		"SELECT username FROM users WHERE username <> $1 ORDER BY random() LIMIT 1", exclude).Scan(&username)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return username, err
}

func (s *chatStore) CreateRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	log := logrus.WithField("room_id", roomID)

	tag, err := s.pool.Exec(ctx, "INSERT INTO rooms (id) VALUES ($1) ON CONFLICT (id) DO NOTHING", roomID)
	if err != nil {
		log.WithField("error", err).Error("Failed to create room")
		return err
	}
	if tag.RowsAffected() > 0 {
		log.Info("Private room created")
	}
	return nil
}

func (s *chatStore) WaitingRoom(ctx context.Context, exclude string) (string, error) {
	var roomID string
	err := s.pool.QueryRow(ctx, `
		SELECT r.id FROM rooms r
		JOIN memberships m ON m.room_id = r.id
		GROUP BY r.seq, r.id
		HAVING COUNT(*) = 1 AND MAX(m.username) <> $1
		ORDER BY r.seq ASC
		LIMIT 1`, exclude).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		logrus.WithField("error", err).Error("Failed to find waiting room")
	}
	return roomID, err
}

// Reserve locks the room row so concurrent reservations of one room queue up
// behind each other while other rooms proceed.
func (s *chatStore) Reserve(ctx context.Context, roomID, username string, capacity int) error {
	log := logrus.WithFields(logrus.Fields{
		"room_id":  roomID,
		"username": username,
	})

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var locked string
	err = tx.QueryRow(ctx, "SELECT id FROM rooms WHERE id = $1 FOR UPDATE", roomID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
	}
	if err != nil {
		return err
	}

	var total, mine int
	err = tx.QueryRow(ctx,
		"SELECT COUNT(*), COUNT(*) FILTER (WHERE username = $2) FROM memberships WHERE room_id = $1",
		roomID, username).Scan(&total, &mine)
	if err != nil {
		return err
	}
	if mine > 0 {
		return core.ErrAlreadyMember
	}
	if total >= capacity {
		return core.ErrRoomFull
	}

	if _, err = tx.Exec(ctx, "INSERT INTO memberships (room_id, username) VALUES ($1, $2)", roomID, username); err != nil {
		log.WithField("error", err).Error("Failed to insert membership")
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		log.WithField("error", err).Error("Failed to commit membership")
		return err
	}

	log.Debug("Membership reserved")
	return nil
}

func (s *chatStore) Release(ctx context.Context, roomID, username string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM memberships WHERE room_id = $1 AND username = $2", roomID, username)
	return err
}

func (s *chatStore) Occupants(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM memberships WHERE room_id = $1", roomID).Scan(&n)
	return n, err
}

func (s *chatStore) IsMember(ctx context.Context, roomID, username string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM memberships WHERE room_id = $1 AND username = $2)",
		roomID, username).Scan(&exists)
	return exists, err
}

func (s *chatStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.created_at, COUNT(m.username) FROM rooms r
		LEFT JOIN memberships m ON m.room_id = r.id
		GROUP BY r.seq, r.id, r.created_at
		ORDER BY r.seq ASC`)
	if err != nil {
		logrus.WithField("error", err).Error("Failed to list rooms")
		return nil, err
	}
	defer rows.Close()

	var rooms []core.Room
	for rows.Next() {
		var room core.Room
		if err := rows.Scan(&room.ID, &room.CreatedAt, &room.Members); err != nil {
			return nil, err
		}
		room.CreatedAt = room.CreatedAt.UTC()
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *chatStore) Close() error {
	s.pool.Close()
	return nil
}
