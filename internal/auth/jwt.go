package auth

import (
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// OperatorClaims are the claims carried by an operator session token.
type OperatorClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Signer mints and verifies operator session tokens (HS256).
type Signer struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// Sign mints an operator session token for the given subject.
func (s *Signer) Sign(subject, name string) (string, error) {
	if len(s.Secret) == 0 {
		return "", fmt.Errorf("jwt secret is empty")
	}
	now := time.Now()
	claims := OperatorClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.Secret)
}

// Verify parses and validates an operator session token. Any failure
// (bad signature, expiry, wrong algorithm) reports ErrUnauthenticated.
func (s *Signer) Verify(tokenStr string) (*OperatorClaims, error) {
	if len(s.Secret) == 0 {
		return nil, ErrUnauthenticated
	}
	token, err := jwt.ParseWithClaims(tokenStr, &OperatorClaims{},
		func(t *jwt.Token) (any, error) { return s.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}
