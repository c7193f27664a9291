package websocket

import (
	"chatroom-server/core"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the value of the mandatory "type" field of every wire event.
type Kind string

const (
	KindChatMessage   Kind = "chat_message"
	KindTyping        Kind = "typing"
	KindStopTyping    Kind = "stop_typing"
	KindFileMessage   Kind = "file_message"
	KindReaction      Kind = "reaction"
	KindFetchMessages Kind = "fetch_messages"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event type")
)

type (
	ChatMessage struct {
		Type      Kind   `json:"type"`
		Message   string `json:"message"`
		Username  string `json:"username"`
		Time      string `json:"time"`
		MessageID string `json:"message_id"`
	}

	// Presence is a typing or stop_typing notice.
	Presence struct {
		Type     Kind   `json:"type"`
		Username string `json:"username"`
	}

	FileMessage struct {
		Type      Kind   `json:"type"`
		FileName  string `json:"file_name"`
		FileURL   string `json:"file_url"`
		Username  string `json:"username"`
		MessageID string `json:"message_id"`
	}

	Reaction struct {
		Type      Kind   `json:"type"`
		Reaction  string `json:"reaction"`
		MessageID string `json:"message_id"`
		Username  string `json:"username"`
	}

	HistoryEntry struct {
		Username string `json:"username"`
		Message  string `json:"message"`
		Time     string `json:"time"`
		FileName string `json:"file_name,omitempty"`
		FileURL  string `json:"file_url,omitempty"`
	}

	FetchMessages struct {
		Type     Kind           `json:"type"`
		Messages []HistoryEntry `json:"messages"`
	}
)

// identified events carry a server-generated message id.
type identified interface {
	setMessageID(id string)
}

// persisted events become stored messages.
type persisted interface {
	author() string
	record(scope string) core.Message
}

func (e *ChatMessage) setMessageID(id string) { e.MessageID = id }
func (e *FileMessage) setMessageID(id string) { e.MessageID = id }

func (e *ChatMessage) author() string { return e.Username }
func (e *FileMessage) author() string { return e.Username }

func (e *ChatMessage) record(scope string) core.Message {
	return core.Message{ID: e.MessageID, Scope: scope, Author: e.Username, Content: e.Message}
}

func (e *FileMessage) record(scope string) core.Message {
	return core.Message{ID: e.MessageID, Scope: scope, Author: e.Username, FileName: e.FileName, FileURL: e.FileURL}
}

// fields decodes raw into a set of required string fields. A missing field,
// a null or a non-string value is reported as ErrMalformedEvent.
func fields(raw []byte, names ...string) (map[string]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	out := make(map[string]string, len(names))
	for _, name := range names {
		value, ok := obj[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrMalformedEvent, name)
		}
		var s *string
		if err := json.Unmarshal(value, &s); err != nil || s == nil {
			return nil, fmt.Errorf("%w: %q must be a string", ErrMalformedEvent, name)
		}
		out[name] = *s
	}
	return out, nil
}

func decodeChatMessage(raw []byte) (any, error) {
	f, err := fields(raw, "message", "username", "time")
	if err != nil {
		return nil, err
	}
	return &ChatMessage{Type: KindChatMessage, Message: f["message"], Username: f["username"], Time: f["time"]}, nil
}

func decodePresence(kind Kind) func(raw []byte) (any, error) {
	return func(raw []byte) (any, error) {
		f, err := fields(raw, "username")
		if err != nil {
			return nil, err
		}
		return &Presence{Type: kind, Username: f["username"]}, nil
	}
}

func decodeFileMessage(raw []byte) (any, error) {
	f, err := fields(raw, "file_name", "file_url", "username")
	if err != nil {
		return nil, err
	}
	return &FileMessage{Type: KindFileMessage, FileName: f["file_name"], FileURL: f["file_url"], Username: f["username"]}, nil
}

func decodeReaction(raw []byte) (any, error) {
	f, err := fields(raw, "reaction", "message_id", "username")
	if err != nil {
		return nil, err
	}
	return &Reaction{Type: KindReaction, Reaction: f["reaction"], MessageID: f["message_id"], Username: f["username"]}, nil
}

func systemMessage(text, id string) *ChatMessage {
	return &ChatMessage{Type: KindChatMessage, Message: text, Username: core.SystemUsername, MessageID: id}
}

func historyEntries(messages []core.Message) []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, HistoryEntry{
			Username: m.Author,
			Message:  m.Content,
			Time:     m.Timestamp.UTC().Format(time.RFC3339),
			FileName: m.FileName,
			FileURL:  m.FileURL,
		})
	}
	return entries
}
