package core

import (
	"context"
	"errors"
	"io"
	"time"
)

const (
	// PublicRoomID is the well-known key of the unbounded broadcast room. Its
	// messages form a single history stream under the same scope.
	PublicRoomID = "public"

	// PrivateRoomCapacity is the hard cap on live members of a private room.
	PrivateRoomCapacity = 2

	DefaultHistoryLimit = 10

	SystemUsername = "System"
)

var (
	ErrRoomFull      = errors.New("room is full")
	ErrAlreadyMember = errors.New("user is already a member of this room")
	ErrUnknownUser   = errors.New("unknown user")
	ErrNotFound      = errors.New("not found")
)

type (
	// Message is a persisted chat line. Seq is the store's insertion order and
	// breaks ties between equal timestamps.
	Message struct {
		Seq       int64     `json:"-"`
		ID        string    `json:"id"`
		Scope     string    `json:"scope"`
		Author    string    `json:"username"`
		Content   string    `json:"message"`
		FileName  string    `json:"file_name,omitempty"`
		FileURL   string    `json:"file_url,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}

	MessageStore interface {
		// Append persists msg and returns it with Seq and Timestamp assigned.
		// An empty ID is filled in by the store.
		Append(ctx context.Context, msg Message) (*Message, error)

		// Recent returns up to limit messages of scope, most recent first.
		Recent(ctx context.Context, scope string, limit int) ([]Message, error)
	}

	UserStore interface {
		EnsureUser(ctx context.Context, username string) error
		UserExists(ctx context.Context, username string) (bool, error)

		// AnyUser returns an arbitrary known user other than exclude, or ""
		// when there is none.
		AnyUser(ctx context.Context, exclude string) (string, error)
	}

	Room struct {
		ID        string    `json:"id"`
		Members   int       `json:"members"`
		CreatedAt time.Time `json:"createdAt"`
	}

	// MembershipStore persists (user, room) records of private rooms.
	MembershipStore interface {
		CreateRoom(ctx context.Context, roomID string) error

		// WaitingRoom returns the oldest room holding exactly one record whose
		// occupant is not exclude, or "" when no room is waiting.
		WaitingRoom(ctx context.Context, exclude string) (string, error)

		// Reserve atomically records username in roomID if the room holds
		// fewer than capacity records. It fails with ErrRoomFull or
		// ErrAlreadyMember.
		Reserve(ctx context.Context, roomID, username string, capacity int) error

		// Release deletes the record; releasing an absent record is a no-op.
		Release(ctx context.Context, roomID, username string) error

		Occupants(ctx context.Context, roomID string) (int, error)

		// IsMember reports whether username holds a record in roomID.
		IsMember(ctx context.Context, roomID, username string) (bool, error)
		ListRooms(ctx context.Context) ([]Room, error)
	}

	// ChatStore is a single backend holding messages, users and private
	// room memberships.
	ChatStore interface {
		MessageStore
		UserStore
		MembershipStore
		Close() error
	}

	File struct {
		Name string `json:"file_name"`
		URL  string `json:"file_url"`
	}

	FileStore interface {
		Save(ctx context.Context, name, contentType string, body io.Reader) (*File, error)
	}
)
