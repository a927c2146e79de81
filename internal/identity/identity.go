// Package identity issues the identifiers the core needs: durable record ids
// and the random per-connection client identity that keys presence entries
// and marks broadcast echoes.
package identity

import (
	"github.com/google/uuid"
	"github.com/practicehall/lessonroom/internal/classroom"
)

type uuidProvider struct{}

// NewUUIDProvider constructs an id provider that issues UUIDv7 identifiers
// for archive entries and revisions.
func NewUUIDProvider() classroom.IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewClientID generates the random identity for one connection. It is never
// persisted and lives exactly as long as the connection.
func NewClientID() string {
	return uuid.NewString()
}
