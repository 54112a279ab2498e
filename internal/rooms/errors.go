package rooms

import "errors"

var (
	ErrEmptyConnectionID    = errors.New("connection id cannot be empty")
	ErrConnectionRegistered = errors.New("connection already registered")
	ErrConnectionRemoved    = errors.New("connection not registered or already removed")
)
