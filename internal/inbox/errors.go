package inbox

import "errors"

var (
	ErrHistoryUnavailable = errors.New("conversation history unavailable")
	ErrNotOperator        = errors.New("only support operators have an inbox")
	ErrEmptyCounterpart   = errors.New("counterpart id cannot be empty")
)
