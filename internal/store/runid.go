package store

import "github.com/google/uuid"

// RunIDGenerator produces ids for new runs.
type RunIDGenerator interface {
	Generate() string
}

// UUIDv7Generator produces time-ordered UUIDv7 strings, so lexical order
// of ids is creation order.
type UUIDv7Generator struct{}

// Generate returns a new UUIDv7. It panics only if the system random
// source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
