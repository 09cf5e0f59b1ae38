// Package slug generates the short random IDs that name uploads.
package slug

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"

	apperr "github.com/honeydew/honeydew/internal/errors"
)

const (
	// DefaultAlphabet is the character set of generated IDs.
	DefaultAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	// DefaultSize is the length of the first candidates.
	DefaultSize = 5
	// maxAttempts bounds the number of candidates tried per ID.
	maxAttempts = 10
	// growAfter is the number of collisions tolerated before candidates
	// get longer, one character per further attempt.
	growAfter = 5
)

// Checker reports whether an ID is already taken.
type Checker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Generator produces IDs that are unique against a Checker.
type Generator struct {
	alphabet string
	size     int
	checker  Checker
}

// MaxAlphabet is the largest usable alphabet: characters are drawn from
// single random bytes.
const MaxAlphabet = 256

// ValidAlphabet reports whether alphabet can name uploads: 2 to MaxAlphabet
// printable ASCII characters that need no escaping in a URL path segment.
func ValidAlphabet(alphabet string) bool {
	if len(alphabet) < 2 || len(alphabet) > MaxAlphabet {
		return false
	}
	for i := 0; i < len(alphabet); i++ {
		c := alphabet[i]
		if c <= ' ' || c > '~' || strings.IndexByte("/?#%", c) >= 0 {
			return false
		}
	}
	return true
}

// New creates a Generator. An invalid alphabet or non-positive size selects
// the defaults.
func New(checker Checker, alphabet string, size int) *Generator {
	if !ValidAlphabet(alphabet) {
		alphabet = DefaultAlphabet
	}
	if size <= 0 {
		size = DefaultSize
	}
	return &Generator{alphabet: alphabet, size: size, checker: checker}
}

// GenerateID returns an unused ID. Candidates start at the configured size
// and grow by one character for every attempt past the fifth; after ten
// collisions it gives up with ErrSlugExhausted.
func (g *Generator) GenerateID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := g.random(g.size + max(0, attempt-growAfter))
		if err != nil {
			return "", err
		}
		taken, err := g.checker.Exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("checking id %q: %w", id, err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("no unique id after %d attempts, increase upload.slug_size: %w", maxAttempts, apperr.ErrSlugExhausted)
}

// random draws n characters from the alphabet. Bytes that would bias the
// distribution are rejected.
func (g *Generator) random(n int) (string, error) {
	size := len(g.alphabet)
	limit := 256 - 256%size

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, g.alphabet[int(b)%size])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
