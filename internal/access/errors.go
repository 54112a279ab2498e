package access

import "errors"

var (
	ErrUnauthorized         = errors.New("not allowed to join room")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrLookupFailed         = errors.New("conversation lookup failed")
)
