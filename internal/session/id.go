package session

import "github.com/google/uuid"

// ConnectionID identifies one socket session.
type ConnectionID string

// IDProvider issues connection identifiers.
type IDProvider interface {
	NewID() (ConnectionID, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (ConnectionID, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return ConnectionID(value.String()), nil
}
