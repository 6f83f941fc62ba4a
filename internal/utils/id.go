package utils

import "github.com/google/uuid"

// NewID returns a new random identifier for call and message records.
func NewID() string {
	return uuid.New().String()
}
