package identity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// User identifiers are opaque, self-issued strings. The server never
// verifies them cryptographically; it only compares them for equality.
const (
	MinLength = 10
	MaxLength = 80
)

var idPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// New returns a fresh self-issued user identifier.
func New() string {
	return uuid.NewString()
}

// Valid reports whether id is a well-formed user identifier:
// 10-80 characters from [a-z0-9-], case-insensitive.
func Valid(id string) bool {
	if len(id) < MinLength || len(id) > MaxLength {
		return false
	}
	return idPattern.MatchString(strings.ToLower(id))
}

// Validate returns a descriptive error for malformed identifiers.
func Validate(id string) error {
	if !Valid(id) {
		return fmt.Errorf("invalid user id: must be %d-%d characters from [a-z0-9-]", MinLength, MaxLength)
	}
	return nil
}
