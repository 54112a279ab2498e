package hub

import (
	"errors"

	"marketrelay/internal/access"
	"marketrelay/internal/auth"
	"marketrelay/internal/inbox"
	"marketrelay/internal/relay"
	"marketrelay/internal/rooms"
	"marketrelay/pkg/types"
)

var (
	ErrHubAlreadyRunning    = errors.New("hub is already running")
	ErrHubNotRunning        = errors.New("hub is not running")
	ErrNilConnection        = errors.New("connection cannot be nil")
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrUnknownEvent         = errors.New("unknown event type")
	ErrWrongRoomKind        = errors.New("event does not apply to this room kind")
	ErrNotSubscribed        = errors.New("connection is not subscribed to room")
	ErrForbidden            = errors.New("event not permitted for this role")
	ErrNotificationsDropped = errors.New("notification queue is full")
)

// requestError carries the client message id of a failed send back to the client.
type requestError struct {
	err             error
	clientMessageID string
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

// errorPayload maps an error onto the wire taxonomy.
func errorPayload(err error) types.ErrorPayload {
	p := types.ErrorPayload{Message: err.Error()}

	var reqErr *requestError
	if errors.As(err, &reqErr) {
		p.ClientMessageID = reqErr.clientMessageID
	}

	switch {
	case errors.Is(err, relay.ErrUnauthorized),
		errors.Is(err, access.ErrUnauthorized),
		errors.Is(err, access.ErrConversationNotFound),
		errors.Is(err, ErrNotSubscribed),
		errors.Is(err, ErrForbidden),
		errors.Is(err, inbox.ErrNotOperator),
		errors.Is(err, rooms.ErrConnectionRemoved),
		errors.Is(err, auth.ErrInvalidToken):
		p.Code = types.CodeUnauthorized
	case errors.Is(err, relay.ErrPersistenceFailed):
		p.Code = types.CodePersistenceFailed
		p.Retryable = true
	case errors.Is(err, inbox.ErrHistoryUnavailable):
		p.Code = types.CodeHistoryUnavailable
		p.Retryable = true
	case errors.Is(err, relay.ErrRateLimited):
		p.Code = types.CodeRateLimited
		p.Retryable = true
	case errors.Is(err, access.ErrLookupFailed):
		p.Code = types.CodeInternal
		p.Retryable = true
	case errors.Is(err, ErrUnknownEvent),
		errors.Is(err, ErrWrongRoomKind),
		errors.Is(err, inbox.ErrEmptyCounterpart),
		errors.Is(err, types.ErrInvalidFrame),
		errors.Is(err, types.ErrInvalidRoomID),
		errors.Is(err, types.ErrInvalidRole),
		errors.Is(err, types.ErrEmptyBody),
		errors.Is(err, types.ErrBodyTooLong),
		errors.Is(err, types.ErrInvalidClientMessageID):
		p.Code = types.CodeInvalidRequest
	default:
		p.Code = types.CodeInternal
		p.Message = "internal error"
	}
	return p
}
