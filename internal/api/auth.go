package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/mattjoyce/bexchange/internal/auth"
)

// authMiddleware accepts either a bearer token or, when peers are configured,
// a request signed by a known peer node. Signed requests get the submit scope
// only.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Peers != nil && auth.Signed(r) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
			if err != nil {
				s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			node, err := s.config.Peers.Verify(r, body)
			if err != nil {
				s.writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			p := auth.Principal{Node: node, Scopes: auth.NormalizeScopes([]string{auth.ScopeSubmit})}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
			return
		}

		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		p, ok := auth.Authenticate(token, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// requireScopes rejects principals holding none of the scopes.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !auth.HasAnyScope(p, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
