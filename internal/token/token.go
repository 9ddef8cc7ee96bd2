// Package token generates capability tokens for stored objects.
//
// A token is the only credential guarding an upload, so it is drawn from a
// cryptographic source: a random (version 4) UUID carries 122 random bits.
package token

import (
	"crypto/rand"
	"io"

	"github.com/google/uuid"
)

// Generator produces unguessable tokens. The zero value reads crypto/rand.
type Generator struct {
	// Rand overrides the entropy source, mainly for tests.
	Rand io.Reader
}

// New returns a Generator backed by crypto/rand.
func New() *Generator {
	return &Generator{}
}

// Generate returns a fresh token in canonical UUID text form.
// An entropy failure means the host is misconfigured and panics.
func (g *Generator) Generate() string {
	src := g.Rand
	if src == nil {
		src = rand.Reader
	}
	return uuid.Must(uuid.NewRandomFromReader(src)).String()
}

// Valid reports whether s has the shape of a token this package issues.
// It lets handlers reject garbage without a lookup.
func Valid(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.String() == s
}
