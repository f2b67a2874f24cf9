package chat

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRoomID indicates that a room identifier is empty or exceeds storage bounds.
	ErrInvalidRoomID = errors.New("chat: invalid room id")
	// ErrInvalidUserID indicates that a user identifier is empty, reserved or exceeds storage bounds.
	ErrInvalidUserID = errors.New("chat: invalid user id")
)

// SystemUserID is the sender identity used for server-generated frames.
const SystemUserID = "system"

// RoomID represents a validated room identifier.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: %w: empty", ErrValidation, ErrInvalidRoomID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %w: exceeds %d characters", ErrValidation, ErrInvalidRoomID, maxIdentifierLength)
	}
	return RoomID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RoomID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: %w: empty", ErrValidation, ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %w: exceeds %d characters", ErrValidation, ErrInvalidUserID, maxIdentifierLength)
	}
	if trimmed == SystemUserID {
		return "", fmt.Errorf("%w: %w: %q is reserved", ErrValidation, ErrInvalidUserID, SystemUserID)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}
