package interfaces

import "errors"

// Common collaborator errors used across components
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized access")
)
