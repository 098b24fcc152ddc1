package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a history row identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewJobID generates a random job identifier for submissions that do not
// carry an external id.
func NewJobID() string {
	return uuid.NewString()
}
