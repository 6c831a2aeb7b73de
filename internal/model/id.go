package model

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// MaxIDLength bounds caller-supplied run ids.
const MaxIDLength = 128

// NewID generates a ULID for a run whose caller did not supply an id.
func NewID() string {
	return ulid.Make().String()
}

// ValidateID checks a caller-supplied run id. Ids end up in URL paths and
// log lines, so only letters, digits, '-', '_', '.' and ':' are allowed.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("id is %d bytes, max %d", len(id), MaxIDLength)
	}
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return fmt.Errorf("id has invalid character %q at %d", r, i)
		}
	}
	return nil
}
