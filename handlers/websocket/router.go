package websocket

import (
	"chatroom-server/core"
	"chatroom-server/rooms"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Session is the router's view of one live connection.
type Session interface {
	rooms.Member
	RoomID() string
	Username() string
}

// closer is implemented by sessions that can be torn down when a broadcast
// finds their outbound queue full or closed.
type closer interface {
	Close()
}

type route struct {
	decode func(raw []byte) (any, error)
	// assignID sets a fresh message id before persisting and broadcasting.
	assignID bool
	persist  bool
}

// Router turns inbound wire events into room broadcasts. Adding an event kind
// means adding a row to its route table.
type Router struct {
	registry     *rooms.Registry
	messages     core.MessageStore
	users        core.UserStore
	historyLimit int
	newID        func() string
	routes       map[Kind]route
}

func NewRouter(registry *rooms.Registry, messages core.MessageStore, users core.UserStore, historyLimit int) *Router {
	if historyLimit <= 0 {
		historyLimit = core.DefaultHistoryLimit
	}
	return &Router{
		registry:     registry,
		messages:     messages,
		users:        users,
		historyLimit: historyLimit,
		newID:        uuid.NewString,
		routes: map[Kind]route{
			KindChatMessage: {decode: decodeChatMessage, assignID: true, persist: true},
			KindTyping:      {decode: decodePresence(KindTyping)},
			KindStopTyping:  {decode: decodePresence(KindStopTyping)},
			KindFileMessage: {decode: decodeFileMessage, assignID: true, persist: true},
			KindReaction:    {decode: decodeReaction},
		},
	}
}

// Dispatch handles one inbound event from s. A returned error means the event
// was dropped; the connection stays open either way.
func (r *Router) Dispatch(ctx context.Context, s Session, raw []byte) error {
	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if envelope.Type == nil {
		return fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	kind := Kind(*envelope.Type)
	rt, ok := r.routes[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
	}

	event, err := rt.decode(raw)
	if err != nil {
		return err
	}
	if rt.assignID {
		event.(identified).setMessageID(r.newID())
	}
	if rt.persist {
		if err := r.persist(ctx, s.RoomID(), event.(persisted)); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	r.broadcast(s.RoomID(), payload)
	return nil
}

// persist stores the event. Only an unknown author fails the event; store
// failures are logged and the broadcast goes ahead without history.
func (r *Router) persist(ctx context.Context, roomID string, event persisted) error {
	log := logrus.WithFields(logrus.Fields{
		"room_id":  roomID,
		"username": event.author(),
	})

	exists, err := r.users.UserExists(ctx, event.author())
	if err != nil {
		log.WithField("error", err).Warn("Failed to resolve author, message not saved")
		return nil
	}
	if !exists {
		return fmt.Errorf("%w: %s", core.ErrUnknownUser, event.author())
	}

	msg, err := r.messages.Append(ctx, event.record(roomID))
	if err != nil {
		log.WithField("error", err).Warn("Failed to save message")
		return nil
	}
	log.WithField("message_id", msg.ID).Debug("Message saved")
	return nil
}

// Welcome sends the recent history of the session's room to the session
// alone, then announces the session to the whole room.
func (r *Router) Welcome(ctx context.Context, s Session) {
	log := logrus.WithFields(logrus.Fields{
		"room_id":  s.RoomID(),
		"username": s.Username(),
	})

	history, err := r.messages.Recent(ctx, s.RoomID(), r.historyLimit)
	if err != nil {
		log.WithField("error", err).Warn("Failed to load history")
		history = nil
	}

	payload, err := json.Marshal(FetchMessages{Type: KindFetchMessages, Messages: historyEntries(history)})
	if err != nil {
		log.WithField("error", err).Error("Failed to encode history")
		return
	}
	if !s.Deliver(payload) {
		log.Warn("Could not deliver history")
	}

	r.announce(s.RoomID(), fmt.Sprintf("%s has connected.", s.Username()))
}

// Farewell announces that the session left its room.
func (r *Router) Farewell(ctx context.Context, s Session) {
	r.announce(s.RoomID(), fmt.Sprintf("%s has disconnected.", s.Username()))
}

func (r *Router) announce(roomID, text string) {
	payload, err := json.Marshal(systemMessage(text, r.newID()))
	if err != nil {
		logrus.WithField("error", err).Error("Failed to encode announcement")
		return
	}
	r.broadcast(roomID, payload)
}

// broadcast fans payload out and closes every member that could not take it;
// closing runs that member's own disconnect path.
func (r *Router) broadcast(roomID string, payload []byte) {
	d := r.registry.Broadcast(roomID, payload)
	for _, m := range d.Dropped {
		if c, ok := m.(closer); ok {
			c.Close()
		}
	}
}
