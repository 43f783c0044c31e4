package types

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	minUserID         = 1
	maxUserID         = 100000
	minUsernameLength = 3
	maxUsernameLength = 20
	minMessageLength  = 1
	maxMessageLength  = 500
)

// Validate checks an inbound chat frame against the protocol limits and
// returns the first failing rule as a human-readable error. The error text is
// sent verbatim to the client in an ERROR response.
func (m ChatMessage) Validate() error {
	if m.UserID == "" {
		return errors.New("userId is required")
	}
	userID, err := strconv.Atoi(m.UserID)
	if err != nil {
		return errors.New("userId must be a valid number")
	}
	if userID < minUserID || userID > maxUserID {
		return fmt.Errorf("userId must be between %d and %d", minUserID, maxUserID)
	}

	if m.Username == "" {
		return errors.New("username is required")
	}
	if len(m.Username) < minUsernameLength || len(m.Username) > maxUsernameLength {
		return fmt.Errorf("username must be %d-%d characters", minUsernameLength, maxUsernameLength)
	}
	if !isAlphanumeric(m.Username) {
		return errors.New("username must be alphanumeric")
	}

	if len(m.Message) < minMessageLength || len(m.Message) > maxMessageLength {
		return fmt.Errorf("message must be %d-%d characters", minMessageLength, maxMessageLength)
	}

	if m.Timestamp == "" {
		return errors.New("timestamp is required")
	}
	if _, err := time.Parse(time.RFC3339Nano, m.Timestamp); err != nil {
		return errors.New("timestamp must be valid ISO-8601 format")
	}

	if !m.MessageType.Valid() {
		return errors.New("messageType is required (TEXT, JOIN, or LEAVE)")
	}

	return nil
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return len(s) > 0
}
