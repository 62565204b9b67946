// Package jobhash generates job hashes from a cryptographically secure source.
package jobhash

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// DefaultBytes is the entropy of a generated hash (128 bits).
const DefaultBytes = 16

// Generator creates hex-encoded random job hashes.
type Generator struct {
	size   int
	random io.Reader
}

// New returns a Generator reading DefaultBytes from crypto/rand per hash.
func New() *Generator {
	return &Generator{size: DefaultBytes, random: rand.Reader}
}

// NewHash returns a fresh, unguessable job hash.
func (g *Generator) NewHash() (scrape.JobHash, error) {
	buf := make([]byte, g.size)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return scrape.JobHash(hex.EncodeToString(buf)), nil
}
