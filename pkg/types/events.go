package types

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Inbound event types.
const (
	EventAdminJoinSupport  = "admin-join-support"
	EventJoinSupport       = "join-support"
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventRequestHistory    = "request-history"
	EventSendMessage       = "send-message"
	EventTypingStart       = "typing-start"
	EventTypingStop        = "typing-stop"
	EventMarkRead          = "mark-read"
	EventFocusChat         = "focus-chat"
)

// Outbound event types. Typing events reuse the inbound names.
const (
	EventMessage        = "message"
	EventActiveChats    = "active-chats"
	EventChatSummary    = "chat-summary"
	EventHistory        = "history"
	EventPresenceJoined = "presence-joined"
	EventPresenceLeft   = "presence-left"
	EventAlert          = "alert"
	EventAck            = "ack"
	EventError          = "error"
)

// Error codes carried by ErrorPayload.
const (
	CodeUnauthorized          = "unauthorized"
	CodePersistenceFailed     = "persistence_failed"
	CodeHistoryUnavailable    = "history_unavailable"
	CodeInvalidRequest        = "invalid_request"
	CodeRateLimited           = "rate_limited"
	CodeTransportDisconnected = "transport_disconnected"
	CodeInternal              = "internal_error"
)

// JoinRoleRoomEvent returns the join-<role>-room event name for role.
func JoinRoleRoomEvent(role Role) string {
	return "join-" + string(role) + "-room"
}

// ParseJoinRoleRoomEvent extracts the role from a join-<role>-room event name.
func ParseJoinRoleRoomEvent(eventType string) (Role, bool) {
	if !strings.HasPrefix(eventType, "join-") || !strings.HasSuffix(eventType, "-room") {
		return "", false
	}
	role := Role(strings.TrimSuffix(strings.TrimPrefix(eventType, "join-"), "-room"))
	if !role.Valid() || role == RoleAnonymous {
		return "", false
	}
	return role, true
}

// Frame is the envelope of every message on the wire, in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Room      string          `json:"room,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewFrame encodes payload into a frame addressed to room. A zero room is omitted.
func NewFrame(eventType string, room RoomID, payload any) (*Frame, error) {
	f := &Frame{Type: eventType, Room: room.String()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidFrame, f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}

// RoomID parses the frame's room field.
func (f *Frame) RoomID() (RoomID, error) {
	return ParseRoomID(f.Room)
}

type SendMessagePayload struct {
	Body            string `json:"body"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

type CounterpartPayload struct {
	CounterpartID string `json:"counterpart_id"`
}

type TypingPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type PresencePayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        Role   `json:"role,omitempty"`
}

type HistoryPayload struct {
	CounterpartID string     `json:"counterpart_id,omitempty"`
	Messages      []*Message `json:"messages"`
}

type ActiveChatsPayload struct {
	Chats []ActiveChatSummary `json:"chats"`
}

type AlertPayload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

type AckPayload struct {
	Status          string `json:"status"`
	MessageID       string `json:"message_id,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	Sequence        int64  `json:"sequence,omitempty"`
}

// ErrorPayload tells the client what failed. ClientMessageID lets a client match a
// failed send to the body it still holds.
type ErrorPayload struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	Retryable       bool   `json:"retryable"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}
