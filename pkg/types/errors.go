package types

import "errors"

var (
	ErrInvalidUserID          = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRole            = errors.New("invalid role")
	ErrInvalidRoomID          = errors.New("invalid room id")
	ErrEmptyBody              = errors.New("message body cannot be empty")
	ErrBodyTooLong            = errors.New("message body exceeds maximum length")
	ErrInvalidClientMessageID = errors.New("client message id must be at most 128 characters")
	ErrInvalidFrame           = errors.New("invalid frame")
	ErrInvalidParticipants    = errors.New("a conversation needs two distinct valid participants")
)
