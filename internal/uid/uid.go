// Package uid generates the request IDs Honeydew attaches to logs and error
// bodies.
package uid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random 32-character hex ID.
func New() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")
}

// FromHeader returns the request ID supplied by a client or proxy when it is
// a well-formed UUID, and a fresh ID otherwise. Arbitrary header values are
// never echoed into logs.
func FromHeader(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return New()
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}
