package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxBodyRunes bounds a single chat message body.
	DefaultMaxBodyRunes = 2000
	// MaxClientMessageIDRunes bounds the client supplied idempotency key.
	MaxClientMessageIDRunes = 128
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks if a user ID meets format requirements
// FUNCTIONAL DISCOVERY: the 50 character limit leaves room for "anon-" + uuid
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return idRegex.MatchString(userID)
}

// NormalizeBody trims surrounding whitespace and enforces the length limit.
// maxRunes <= 0 selects DefaultMaxBodyRunes.
func NormalizeBody(body string, maxRunes int) (string, error) {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxBodyRunes
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > maxRunes {
		return "", ErrBodyTooLong
	}
	return body, nil
}

// ValidateParticipants checks the two sides of a direct conversation.
func ValidateParticipants(participants []string) error {
	if len(participants) != 2 || participants[0] == participants[1] ||
		!IsValidUserID(participants[0]) || !IsValidUserID(participants[1]) {
		return ErrInvalidParticipants
	}
	return nil
}

// ValidateClientMessageID accepts empty ids; the relay generates one in that case.
func ValidateClientMessageID(id string) error {
	if utf8.RuneCountInString(strings.TrimSpace(id)) > MaxClientMessageIDRunes {
		return ErrInvalidClientMessageID
	}
	return nil
}
