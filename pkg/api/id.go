package api

import (
	"regexp"

	"github.com/google/uuid"
)

const invocationIDPrefix = "inv_"

var invocationIDPattern = regexp.MustCompile(`^inv_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// NewInvocationID generates a new invocation ID with the "inv_" prefix
// followed by a random UUID.
func NewInvocationID() string {
	return invocationIDPrefix + uuid.NewString()
}

// ValidateInvocationID checks whether the given string is a valid invocation ID.
func ValidateInvocationID(id string) bool {
	return invocationIDPattern.MatchString(id)
}
