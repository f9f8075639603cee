package collab

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrHubClosed is returned when a connection arrives after Close
var ErrHubClosed = errors.New("collaboration hub is closed")

// MessageType names a collaboration message
type MessageType string

// Client to server
const (
	TypeCursor MessageType = "cursor"
	TypeSelect MessageType = "select"
	TypePing   MessageType = "ping"
)

// Server to client
const (
	TypePong            MessageType = "pong"
	TypePresence        MessageType = "presence"
	TypeDesignUpdated   MessageType = "design.updated"
	TypeDesignDeleted   MessageType = "design.deleted"
	TypeNotification    MessageType = "notification"
	TypeReportCompleted MessageType = "report.completed"
	TypeReportFailed    MessageType = "report.failed"
	TypeError           MessageType = "error"
)

// Message is the frame exchanged over the socket and the bus
type Message struct {
	Type     MessageType     `json:"type"`
	DesignID string          `json:"design_id,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SentAt   time.Time       `json:"sent_at"`
}

// PresenceUser is one participant of a room
type PresenceUser struct {
	UserID      string `json:"user_id"`
	Connections int    `json:"connections"`
}

// Presence is the payload of a presence message
type Presence struct {
	Users []PresenceUser `json:"users"`
}

// Envelope carries a message between hub instances. Exactly one of Room and
// User is set.
type Envelope struct {
	Origin  string  `json:"origin"`
	Room    string  `json:"room,omitempty"`
	User    string  `json:"user,omitempty"`
	Message Message `json:"message"`
}

func rawPayload(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

type errorPayload struct {
	Error string `json:"error"`
}
