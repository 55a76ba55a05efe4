// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// suffixLen is the number of hex characters appended to prefixed ids.
const suffixLen = 8

// Generator creates UUID-based identifiers.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string. Record ids sort by creation time.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewPrefixedID returns prefix + "_" + eight random hex characters. The
// suffix comes from a v4 UUID; v7 prefixes are timestamps and would collide.
func (Generator) NewPrefixedID(prefix string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	suffix := strings.ReplaceAll(id.String(), "-", "")[:suffixLen]
	return prefix + "_" + suffix, nil
}
