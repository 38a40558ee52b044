// Package idgen generates identifiers for spacebridge records.
//
// Log-like records (transactions, stakes, listings, allocations) use
// time-sortable UUIDv7 with a type prefix. Sites use a name-based UUIDv5 of
// their URL so the same page always maps to the same record.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every id produced by gen ("tx_", "stk_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the generator used by New.
var Default Generator = UUIDv7()

// New produces an id with the Default generator.
func New() string {
	return Default()
}

// FromURL returns the UUIDv5 of rawURL in the URL namespace.
func FromURL(rawURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(rawURL)).String()
}

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid uuid %q: %w", s, err)
	}
	return u.String(), nil
}
