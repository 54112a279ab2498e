package types

import (
	"fmt"
	"strings"
)

// RoomKind names one of the three disjoint room namespaces.
type RoomKind string

const (
	RoomKindConversation RoomKind = "conversation"
	RoomKindSupport      RoomKind = "support"
	RoomKindRole         RoomKind = "role"
)

// RoomID identifies a room. It is comparable and used directly as a map key.
// ARCHITECTURAL DISCOVERY: the namespaces never collide because the kind is a field,
// not a string prefix that callers assemble themselves.
type RoomID struct {
	Kind RoomKind
	// ID is the conversation id for conversation rooms and the owning user id otherwise.
	ID string
	// Role is only set for role rooms.
	Role Role
}

// ConversationRoom is the room of a buyer-farmer conversation.
func ConversationRoom(conversationID string) RoomID {
	return RoomID{Kind: RoomKindConversation, ID: conversationID}
}

// SupportRoom is the support room between userID and the operator pool.
func SupportRoom(userID string) RoomID {
	return RoomID{Kind: RoomKindSupport, ID: userID}
}

// RoleRoom is the broadcast room of one user acting in one role, e.g. a farmer's dashboard.
func RoleRoom(role Role, userID string) RoomID {
	return RoomID{Kind: RoomKindRole, ID: userID, Role: role}
}

// IsZero reports whether r is the zero RoomID.
func (r RoomID) IsZero() bool {
	return r == RoomID{}
}

func (r RoomID) String() string {
	switch r.Kind {
	case RoomKindRole:
		return fmt.Sprintf("%s:%s:%s", r.Kind, r.Role, r.ID)
	case "":
		return ""
	default:
		return fmt.Sprintf("%s:%s", r.Kind, r.ID)
	}
}

// Validate checks the namespace and the identifiers of r.
func (r RoomID) Validate() error {
	if !IsValidUserID(r.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidRoomID, r.String())
	}
	switch r.Kind {
	case RoomKindConversation, RoomKindSupport:
		if r.Role != "" {
			return fmt.Errorf("%w: role set on %s room", ErrInvalidRoomID, r.Kind)
		}
		return nil
	case RoomKindRole:
		if !r.Role.Valid() || r.Role == RoleAnonymous {
			return fmt.Errorf("%w: %q", ErrInvalidRole, r.Role)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRoomID, r.Kind)
	}
}

// ParseRoomID parses the wire form produced by String.
func ParseRoomID(s string) (RoomID, error) {
	parts := strings.Split(s, ":")
	var r RoomID
	switch {
	case len(parts) == 2 && parts[0] == string(RoomKindConversation):
		r = ConversationRoom(parts[1])
	case len(parts) == 2 && parts[0] == string(RoomKindSupport):
		r = SupportRoom(parts[1])
	case len(parts) == 3 && parts[0] == string(RoomKindRole):
		r = RoleRoom(Role(parts[1]), parts[2])
	default:
		return RoomID{}, fmt.Errorf("%w: %q", ErrInvalidRoomID, s)
	}
	if err := r.Validate(); err != nil {
		return RoomID{}, err
	}
	return r, nil
}

func (r RoomID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RoomID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*r = RoomID{}
		return nil
	}
	parsed, err := ParseRoomID(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
