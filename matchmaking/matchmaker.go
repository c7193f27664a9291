// Package matchmaking pairs private-mode users into two-person rooms.
package matchmaking

import (
	"chatroom-server/core"
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// noCounterpart stands in for the second user of a room created while no
// other user is known.
const noCounterpart = "none"

type Matchmaker struct {
	users       core.UserStore
	memberships core.MembershipStore
}

func New(users core.UserStore, memberships core.MembershipStore) *Matchmaker {
	return &Matchmaker{users: users, memberships: memberships}
}

// PrivateRoomID derives the key of a room created for username. other is any
// known user; it need not be waiting to chat.
func PrivateRoomID(username, other string) string {
	if other == "" {
		other = noCounterpart
	}
	return fmt.Sprintf("private_chat_%s_%s", username, other)
}

// Assign picks a private room for username and reserves a membership record
// in it. The room is one with a single waiting occupant when there is one,
// otherwise a room derived from username and an arbitrary other user.
//
// The reservation is the only capacity check here: when a concurrent user
// took the last seat first, Assign fails with core.ErrRoomFull and the caller
// refuses the connection. Callers must Release the reservation once the
// connection ends or fails to open.
func (m *Matchmaker) Assign(ctx context.Context, username string) (string, error) {
	log := logrus.WithField("username", username)
	log.Debug("Assigning private room")

	roomID, err := m.memberships.WaitingRoom(ctx, username)
	if err != nil {
		log.WithField("error", err).Error("Failed to look up waiting rooms")
		return "", err
	}

	if roomID == "" {
		other, err := m.users.AnyUser(ctx, username)
		if err != nil {
			log.WithField("error", err).Error("Failed to pick a counterpart")
			return "", err
		}
		if other == "" {
			log.Warn("No other user known, creating room without counterpart")
		}

		roomID = PrivateRoomID(username, other)
		if err := m.memberships.CreateRoom(ctx, roomID); err != nil {
			log.WithFields(logrus.Fields{
				"room_id": roomID,
				"error":   err,
			}).Error("Failed to create private room")
			return "", err
		}
	}

	log = log.WithField("room_id", roomID)
	if err := m.memberships.Reserve(ctx, roomID, username, core.PrivateRoomCapacity); err != nil {
		if errors.Is(err, core.ErrRoomFull) || errors.Is(err, core.ErrAlreadyMember) {
			log.WithField("error", err).Warn("Private room refused user")
		} else {
			log.WithField("error", err).Error("Failed to reserve private room")
		}
		return "", err
	}

	log.Info("Private room assigned")
	return roomID, nil
}

// Release drops the membership record of username in roomID.
func (m *Matchmaker) Release(ctx context.Context, roomID, username string) error {
	log := logrus.WithFields(logrus.Fields{
		"room_id":  roomID,
		"username": username,
	})

	if err := m.memberships.Release(ctx, roomID, username); err != nil {
		log.WithField("error", err).Error("Failed to release private room")
		return err
	}

	log.Debug("Private room released")
	return nil
}
