package sqlite

import (
	"chatroom-server/core"
	"context"
	"database/sql"
	"errors"
	"fmt"
	stdlog "log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	scope TEXT NOT NULL,
	author TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	file_url TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_scope_created ON messages (scope, created_at DESC, seq DESC);
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS rooms (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS memberships (
	room_id TEXT NOT NULL,
	username TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (room_id, username)
);`

type chatStore struct {
	db *sql.DB

	// appendMu keeps sequence and timestamp order in agreement.
	appendMu sync.Mutex
	clock    core.Clock
}

func NewStore(dataSourceName string) core.ChatStore {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		stdlog.Fatal(err)
	}
	// SQLite allows a single writer; one connection also serialises the
	// reserve transaction.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		stdlog.Fatal(err)
	}

	s := &chatStore{db: db}

	var last int64
	if err := db.QueryRow("SELECT COALESCE(MAX(created_at), 0) FROM messages").Scan(&last); err != nil {
		stdlog.Fatal(err)
	}
	s.clock.Observe(time.UnixMicro(last))

	logrus.WithFields(logrus.Fields{
		"driver":         driverName,
		"dataSourceName": dataSourceName,
	}).Debug("SQLite store opened")
	return s
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
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, scope, author, content, file_name, file_url, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		msg.ID, msg.Scope, msg.Author, msg.Content, msg.FileName, msg.FileURL, msg.Timestamp.UnixMicro())
	if err != nil {
		log.WithField("error", err).Error("Failed to append message")
		return nil, err
	}
	if msg.Seq, err = result.LastInsertId(); err != nil {
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

	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, id, scope, author, content, file_name, file_url, created_at FROM messages WHERE scope = ? ORDER BY created_at DESC, seq DESC LIMIT ?",
		scope, limit)
	if err != nil {
		log.WithField("error", err).Error("Failed to retrieve recent messages")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close message rows")
		}
	}()

	messages := make([]core.Message, 0, limit)
	for rows.Next() {
		var (
			msg       core.Message
			createdAt int64
		)
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.Scope, &msg.Author, &msg.Content, &msg.FileName, &msg.FileURL, &createdAt); err != nil {
			log.WithField("error", err).Error("Failed to scan message")
			return nil, err
		}
		msg.Timestamp = time.UnixMicro(createdAt).UTC()
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *chatStore) EnsureUser(ctx context.Context, username string) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, created_at) VALUES (?, ?) ON CONFLICT(username) DO NOTHING",
		username, time.Now().UnixMicro())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"username": username,
			"error":    err,
		}).Error("Failed to register user")
	}
	return err
}

func (s *chatStore) UserExists(ctx context.Context, username string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM users WHERE username = ?", username).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *chatStore) AnyUser(ctx context.Context, exclude string) (string, error) {
	var username string
	err := s.db.QueryRowContext(ctx,
		"SELECT username FROM users WHERE username <> ? ORDER BY RANDOM() LIMIT 1", exclude).Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return username, err
}

func (s *chatStore) CreateRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	log := logrus.WithField("room_id", roomID)

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING",
		roomID, time.Now().UnixMicro())
	if err != nil {
		log.WithField("error", err).Error("Failed to create room")
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		log.Info("Private room created")
	}
	return nil
}

func (s *chatStore) WaitingRoom(ctx context.Context, exclude string) (string, error) {
	var roomID string
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id FROM rooms r
		JOIN memberships m ON m.room_id = r.id
		GROUP BY r.seq, r.id
		HAVING COUNT(*) = 1 AND MAX(m.username) <> ?
		ORDER BY r.seq ASC
		LIMIT 1`, exclude).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		logrus.WithField("error", err).Error("Failed to find waiting room")
	}
	return roomID, err
}

func (s *chatStore) Reserve(ctx context.Context, roomID, username string, capacity int) error {
	log := logrus.WithFields(logrus.Fields{
		"room_id":  roomID,
		"username": username,
	})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM rooms WHERE id = ?", roomID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
	}
	if err != nil {
		return err
	}

	var total, mine int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN username = ? THEN 1 ELSE 0 END), 0) FROM memberships WHERE room_id = ?",
		username, roomID).Scan(&total, &mine)
	if err != nil {
		return err
	}
	if mine > 0 {
		return core.ErrAlreadyMember
	}
	if total >= capacity {
		return core.ErrRoomFull
	}

	if _, err = tx.ExecContext(ctx,
		"INSERT INTO memberships (room_id, username, created_at) VALUES (?, ?, ?)",
		roomID, username, time.Now().UnixMicro()); err != nil {
		log.WithField("error", err).Error("Failed to insert membership")
		return err
	}
	if err = tx.Commit(); err != nil {
		log.WithField("error", err).Error("Failed to commit membership")
		return err
	}

	log.Debug("Membership reserved")
	return nil
}

func (s *chatStore) Release(ctx context.Context, roomID, username string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM memberships WHERE room_id = ? AND username = ?", roomID, username)
	return err
}

func (s *chatStore) Occupants(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memberships WHERE room_id = ?", roomID).Scan(&n)
	return n, err
}

func (s *chatStore) IsMember(ctx context.Context, roomID, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM memberships WHERE room_id = ? AND username = ?)",
		roomID, username).Scan(&exists)
	return exists, err
}

func (s *chatStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.created_at, COUNT(m.username) FROM rooms r
		LEFT JOIN memberships m ON m.room_id = r.id
		GROUP BY r.seq, r.id, r.created_at
		ORDER BY r.seq ASC`)
	if err != nil {
		logrus.WithField("error", err).Error("Failed to list rooms")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close room rows")
		}
	}()

	var rooms []core.Room
	for rows.Next() {
		var (
			room      core.Room
			createdAt int64
		)
		if err := rows.Scan(&room.ID, &createdAt, &room.Members); err != nil {
			return nil, err
		}
		room.CreatedAt = time.UnixMicro(createdAt).UTC()
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *chatStore) Close() error {
	return s.db.Close()
}
