package utils

import (
	"github.com/google/uuid"
)

// NewID returns a unique identifier for transports, producers, consumers
// and pipeline sessions.
func NewID() string {
	return uuid.NewString()
}

// NewPrefixedID returns a unique identifier with a readable prefix.
func NewPrefixedID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
