package types

import (
	"time"
)

// Role is the marketplace role carried by a verified identity.
type Role string

const (
	RoleBuyer     Role = "buyer"
	RoleFarmer    Role = "farmer"
	RoleAdmin     Role = "admin"
	RoleAnonymous Role = "anonymous"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleFarmer, RoleAdmin, RoleAnonymous:
		return true
	default:
		return false
	}
}

// Identity is what the token collaborator vouched for at handshake time.
// The relay trusts it and makes no authorization decisions beyond room access.
type Identity struct {
	UserID      string `json:"user_id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
}

// IsOperator reports whether the identity belongs to the support operator pool.
func (i Identity) IsOperator() bool {
	return i.Role == RoleAdmin
}

// Message is a chat message as persisted by the durable store and fanned out by the relay.
// FUNCTIONAL DISCOVERY: Sequence is assigned per room by the relay after persistence;
// clients order by it rather than by CreatedAt, which belongs to the store.
type Message struct {
	ID              string    `json:"id"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	Room            RoomID    `json:"room"`
	Sequence        int64     `json:"sequence,omitempty"`
	Body            string    `json:"body"`
	SenderID        string    `json:"sender_id"`
	SenderName      string    `json:"sender_name,omitempty"`
	SenderRole      Role      `json:"sender_role"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewMessage is the request handed to the durable store.
// ClientMessageID is the idempotency key: storing the same key twice in one room
// yields the same persisted message.
type NewMessage struct {
	ClientMessageID string    `json:"client_message_id"`
	Room            RoomID    `json:"room"`
	Body            string    `json:"body"`
	SenderID        string    `json:"sender_id"`
	SenderName      string    `json:"sender_name,omitempty"`
	SenderRole      Role      `json:"sender_role"`
	SentAt          time.Time `json:"sent_at"`
}

// ActiveChatSummary is one row of an operator's support inbox.
type ActiveChatSummary struct {
	CounterpartID string    `json:"counterpart_id"`
	DisplayName   string    `json:"display_name,omitempty"`
	Role          Role      `json:"role,omitempty"`
	LastMessage   string    `json:"last_message,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int       `json:"unread_count"`
	Online        bool      `json:"online"`
}
