package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated covers every credential failure: missing, malformed,
// unknown, or revoked. Callers surface it as 401 without distinguishing.
var ErrUnauthenticated = errors.New("unauthenticated")

// Kind tags the two principal domains. An operator token grants access to
// all commands; an agent key is scoped to that agent's own commands.
type Kind int

const (
	KindOperator Kind = iota
	KindAgent
)

// Principal is a resolved credential. AgentID is set only for KindAgent.
type Principal struct {
	Kind    Kind
	Subject string
	AgentID string
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken pulls the credential from an Authorization: Bearer
// header.
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
		return "", errors.New("missing credential")
	}
	return token, nil
}

// MatchStaticToken compares a presented token against configured operator
// tokens in constant time.
func MatchStaticToken(presented string, tokens []string) bool {
	for _, t := range tokens {
		if constantTimeEqual(presented, t) {
			return true
		}
	}
	return false
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
