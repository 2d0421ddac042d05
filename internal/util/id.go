package util

import "github.com/google/uuid"

// NewID generates a new unique identifier for tasks, events and envelopes.
func NewID() string { return uuid.NewString() }
