package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewPID generates a job identifier.
// Format: 8 upper-case hex characters taken from a random uuid
func NewPID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}

// ShortPID returns the prefix used to name a job's result archive
func ShortPID(pid string) string {
	if len(pid) <= 6 {
		return pid
	}
	return pid[:6]
}
