package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrBufferFull       = errors.New("write buffer full, connection closed")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Handler-related errors
var (
	ErrNilDispatcher    = errors.New("dispatcher cannot be nil")
	ErrNilAuthenticator = errors.New("authenticator cannot be nil")
)
