package client

import "errors"

var (
	// ErrNotConnected is returned by Send while no transport is open. Frames are never queued.
	ErrNotConnected = errors.New("not connected")
	// ErrTransportDisconnected is the terminal state after the reconnect budget is spent.
	ErrTransportDisconnected = errors.New("transport disconnected")
	// ErrSuperseded is returned by a Connect that a newer Connect or Disconnect replaced.
	ErrSuperseded    = errors.New("connection attempt superseded")
	ErrUnauthorized  = errors.New("relay rejected credentials")
	ErrEmptyEndpoint = errors.New("endpoint is required")
	ErrSessionGone   = errors.New("poll session gone")
)
