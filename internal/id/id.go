package id

import "github.com/google/uuid"

// New returns a random correlation identifier for a single request.
func New() string {
	return uuid.NewString()
}
