package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer tok-123", "tok-123", false},
		{"trims whitespace", "Bearer  tok-123 ", "tok-123", false},
		{"missing header", "", "", true},
		{"wrong scheme", "Basic dXNlcg==", "", true},
		{"empty credential", "Bearer   ", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			got, err := ExtractBearerToken(r)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMatchStaticToken(t *testing.T) {
	t.Parallel()

	tokens := []string{"tok-a", "tok-b"}
	assert.True(t, MatchStaticToken("tok-a", tokens))
	assert.True(t, MatchStaticToken("tok-b", tokens))
	assert.False(t, MatchStaticToken("tok-c", tokens))
	assert.False(t, MatchStaticToken("", tokens))
	assert.False(t, MatchStaticToken("tok-a", nil))
}

func TestSignerRoundTrip(t *testing.T) {
	t.Parallel()

	s := &Signer{Secret: []byte("test-secret"), Issuer: "faros-server", TTL: time.Hour}

	tok, err := s.Sign("operator-1", "Alex")
	require.NoError(t, err)

	claims, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", claims.Subject)
	assert.Equal(t, "Alex", claims.Name)
	assert.Equal(t, "faros-server", claims.Issuer)
}

func TestSignerRejectsBadTokens(t *testing.T) {
	t.Parallel()

	s := &Signer{Secret: []byte("test-secret"), Issuer: "faros-server", TTL: time.Hour}
	other := &Signer{Secret: []byte("different-secret"), Issuer: "faros-server", TTL: time.Hour}

	tok, err := other.Sign("operator-1", "")
	require.NoError(t, err)

	_, err = s.Verify(tok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthenticated))

	_, err = s.Verify("not-a-jwt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestSignerRejectsExpired(t *testing.T) {
	t.Parallel()

	s := &Signer{Secret: []byte("test-secret"), Issuer: "faros-server", TTL: -time.Minute}

	tok, err := s.Sign("operator-1", "")
	require.NoError(t, err)

	_, err = s.Verify(tok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}
