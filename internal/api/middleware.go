package api

import (
	"net/http"

	"github.com/faroslabs/faros/internal/auth"
)

// operatorAuth admits operator session tokens: a configured static token
// or a valid signed JWT. Operators see every agent's commands.
func (s *Server) operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		if auth.MatchStaticToken(token, s.config.OperatorTokens) {
			ctx := auth.WithPrincipal(r.Context(), auth.Principal{
				Kind:    auth.KindOperator,
				Subject: "static-token",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if s.signer != nil {
			claims, err := s.signer.Verify(token)
			if err == nil {
				ctx := auth.WithPrincipal(r.Context(), auth.Principal{
					Kind:    auth.KindOperator,
					Subject: claims.Subject,
				})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		s.writeError(w, http.StatusUnauthorized, "invalid operator token")
	})
}

// agentAuth admits agent API keys and resolves them to an agent identity.
// Revoked keys fail exactly like unknown ones.
func (s *Server) agentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		a, err := s.agents.ResolveKey(r.Context(), key)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}

		ctx := auth.WithPrincipal(r.Context(), auth.Principal{
			Kind:    auth.KindAgent,
			Subject: a.Name,
			AgentID: a.ID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAgent returns the agent id of the authenticated principal, or ""
// if the middleware did not run (programming error).
func requireAgent(r *http.Request) string {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || p.Kind != auth.KindAgent {
		return ""
	}
	return p.AgentID
}
