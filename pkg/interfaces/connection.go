package interfaces

import (
	"time"

	"marketrelay/pkg/types"
)

// Connection is one live transport session of one client.
// ARCHITECTURAL DISCOVERY: the handle is owned by the transport that accepted it
// (WebSocket or long-poll); the hub only ever sees this interface.
type Connection interface {
	// ID is assigned at handshake and never reused.
	ID() string

	// Identity is fixed for the lifetime of the connection.
	Identity() types.Identity

	// WriteJSON enqueues v for the connection's single writer. Safe for concurrent use.
	WriteJSON(v interface{}) error

	// LastSeen is the liveness timestamp of the most recent inbound traffic.
	LastSeen() time.Time

	// Close closes the connection and cleans up resources. Idempotent.
	Close() error
}
