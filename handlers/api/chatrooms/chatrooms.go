package chatrooms

import (
	"chatroom-server/core"
	"chatroom-server/middleware"
	"context"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// MaxHistoryLimit bounds the limit query parameter of the history endpoint.
const MaxHistoryLimit = 100

type (
	// LiveRooms reports live connection counts per room.
	LiveRooms interface {
		Snapshot() map[string]int
	}

	RoomInfo struct {
		ID        string `json:"id"`
		Users     int    `json:"users"`
		Members   *int   `json:"members,omitempty"`
		CreatedAt *int64 `json:"createdAt,omitempty"`
	}
)

// HandleListRooms lists the public room and the caller's own private rooms,
// live or persisted, busiest first.
func HandleListRooms(live LiveRooms, memberships core.MembershipStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		username := middleware.Username(ctx)
		log := logrus.WithField("username", username)

		roomMap := make(map[string]*RoomInfo)
		for id, count := range live.Snapshot() {
			roomMap[id] = &RoomInfo{ID: id, Users: count}
		}

		if stored, err := memberships.ListRooms(ctx); err != nil {
			log.WithField("error", err).Warn("Failed to list persisted rooms")
		} else {
			for _, room := range stored {
				entry, exists := roomMap[room.ID]
				if !exists {
					entry = &RoomInfo{ID: room.ID}
					roomMap[room.ID] = entry
				}
				members := room.Members
				entry.Members = &members
				if !room.CreatedAt.IsZero() {
					createdAt := room.CreatedAt.UnixMilli()
					entry.CreatedAt = &createdAt
				}
			}
		}

		roomList := make([]RoomInfo, 0, len(roomMap))
		for id, entry := range roomMap {
			visible, err := canRead(ctx, memberships, id, username)
			if err != nil {
				log.WithFields(logrus.Fields{
					"room_id": id,
					"error":   err,
				}).Warn("Failed to check membership, hiding room")
				continue
			}
			if visible {
				roomList = append(roomList, *entry)
			}
		}
		sort.Slice(roomList, func(i, j int) bool {
			if roomList[i].Users == roomList[j].Users {
				return roomList[i].ID < roomList[j].ID
			}
			return roomList[i].Users > roomList[j].Users
		})

		render.JSON(w, r, roomList)
	}
}

// HandleRoomMessages returns the most recent messages of a room, newest
// first. Private rooms answer 404 to anyone without a membership record in them.
func HandleRoomMessages(messages core.MessageStore, memberships core.MembershipStore, defaultLimit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")
		username := middleware.Username(r.Context())
		limit := ParseLimit(r, defaultLimit)
		log := logrus.WithFields(logrus.Fields{
			"room_id":  roomID,
			"username": username,
			"limit":    limit,
		})

		allowed, err := canRead(r.Context(), memberships, roomID, username)
		if err != nil {
			log.WithField("error", err).Error("Failed to check membership")
			http.Error(w, "Failed to load messages", http.StatusInternalServerError)
			return
		}
		if !allowed {
			log.Warn("Refused history of a room the caller is not in")
			http.Error(w, "Room not found", http.StatusNotFound)
			return
		}

		history, err := messages.Recent(r.Context(), roomID, limit)
		if err != nil {
			log.WithField("error", err).Error("Failed to load history")
			http.Error(w, "Failed to load messages", http.StatusInternalServerError)
			return
		}

		if history == nil {
			history = []core.Message{}
		}

		log.WithField("count", len(history)).Debug("History served")
		render.JSON(w, r, history)
	}
}

// canRead reports whether username may see roomID. The public room is open
// to every caller.
func canRead(ctx context.Context, memberships core.MembershipStore, roomID, username string) (bool, error) {
	if roomID == core.PublicRoomID {
		return true, nil
	}
	if username == "" {
		return false, nil
	}
	return memberships.IsMember(ctx, roomID, username)
}

// ParseLimit reads the limit query parameter, clamped to
// [1, MaxHistoryLimit]. Missing or invalid values yield defaultValue.
func ParseLimit(r *http.Request, defaultValue int) int {
	if defaultValue <= 0 {
		defaultValue = core.DefaultHistoryLimit
	}

	value := r.URL.Query().Get("limit")
	if value == "" {
		return defaultValue
	}

	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 {
		return defaultValue
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
