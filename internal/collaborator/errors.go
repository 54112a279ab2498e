package collaborator

import "errors"

var (
	ErrMissingBaseURL = errors.New("collaborator base URL is required")
	ErrClientClosed   = errors.New("collaborator client is closed")
	// ErrUnavailable wraps transport failures and 5xx answers once retries are exhausted.
	ErrUnavailable = errors.New("collaborator unavailable")
	// ErrRejected wraps 4xx answers other than 404; these are never retried.
	ErrRejected = errors.New("collaborator rejected request")
)
