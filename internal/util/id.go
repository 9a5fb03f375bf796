package util

import "github.com/google/uuid"

// NewID returns a random UUID string for book and chapter records.
func NewID() string {
	return uuid.NewString()
}
