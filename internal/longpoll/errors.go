package longpoll

import "errors"

var (
	ErrConnectionClosed = errors.New("poll connection closed")
	// ErrBufferFull is returned when a frame cannot be queued because the client
	// has stopped polling. The session is closed.
	ErrBufferFull       = errors.New("poll buffer full")
	ErrSessionNotFound  = errors.New("poll session not found")
	ErrNilDispatcher    = errors.New("dispatcher cannot be nil")
	ErrNilAuthenticator = errors.New("authenticator cannot be nil")
)
