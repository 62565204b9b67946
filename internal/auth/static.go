// Package auth resolves bearer tokens into caller identities.
package auth

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// Static authenticates against a fixed token table from configuration.
type Static struct {
	tokens map[string]scrape.Identity
}

// NewStatic builds a Static authenticator from token -> user id pairs.
func NewStatic(tokens map[string]string) *Static {
	s := &Static{tokens: make(map[string]scrape.Identity, len(tokens))}
	for token, userID := range tokens {
		token = strings.TrimSpace(token)
		if token == "" || userID == "" {
			continue
		}
		s.tokens[token] = scrape.Identity{UserID: userID}
	}
	return s
}

// Authenticate returns the identity bound to token.
func (s *Static) Authenticate(_ context.Context, token string) (scrape.Identity, error) {
	if token == "" {
		return scrape.Identity{}, scrape.ErrUnauthenticated
	}
	for candidate, identity := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return identity, nil
		}
	}
	return scrape.Identity{}, scrape.ErrUnauthenticated
}
