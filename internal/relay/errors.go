package relay

import "errors"

var (
	ErrUnauthorized      = errors.New("sender is not subscribed to room")
	ErrPersistenceFailed = errors.New("message could not be persisted")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrNilStore          = errors.New("relay requires a message store")
)
