// Package auth authenticates admin API callers by bearer token and signs or
// verifies requests exchanged between peer nodes.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the API.
const (
	ScopeAll    = "*"
	ScopeSubmit = "submit"
	// ScopeOriginSet lets a token submit items on behalf of another node.
	ScopeOriginSet    = "origin:set"
	ScopeProcessorsRO = "processors:ro"
	ScopeProcessorsRW = "processors:rw"
	ScopeStatsRO      = "stats:ro"
	ScopeEventsRO     = "events:ro"
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller. Node is set for peers that signed
// their request instead of presenting a token.
type Principal struct {
	Token  string
	Node   string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
// If adminKey matches, it authenticates with scope "*".
func Authenticate(presented string, adminKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, adminKey) {
		return Principal{
			Token:  presented,
			Scopes: map[string]struct{}{ScopeAll: {}},
		}, true
	}

	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{
				Token:  presented,
				Scopes: NormalizeScopes(t.Scopes),
			}, true
		}
	}
	return Principal{}, false
}

// NormalizeScopes drops blanks and adds the read scope implied by a write one.
func NormalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	if _, ok := out[ScopeProcessorsRW]; ok {
		out[ScopeProcessorsRO] = struct{}{}
	}
	return out
}

// KnownScope reports whether s is a scope the API checks.
func KnownScope(s string) bool {
	switch s {
	case ScopeAll, ScopeSubmit, ScopeOriginSet, ScopeProcessorsRO, ScopeProcessorsRW, ScopeStatsRO, ScopeEventsRO:
		return true
	}
	return false
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
