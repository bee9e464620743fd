package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"wardrelay/internal/protocol"
)

func TestIssueAndResolve(t *testing.T) {
	req := require.New(t)
	r, err := NewJWTResolver("ward-secret", "wardrelay")
	req.NoError(err)

	token, err := r.Issue(protocol.Identity{ID: "U1", DisplayName: "Dr. Okafor", Role: "physician"}, time.Hour)
	req.NoError(err)

	id, err := r.Resolve(context.Background(), token)
	req.NoError(err)
	req.Equal(protocol.Identity{ID: "U1", DisplayName: "Dr. Okafor", Role: "physician"}, id)
}

func TestResolveDefaultsDisplayName(t *testing.T) {
	req := require.New(t)
	r, err := NewJWTResolver("ward-secret", "")
	req.NoError(err)

	token, err := r.Issue(protocol.Identity{ID: "U7"}, time.Minute)
	req.NoError(err)

	id, err := r.Resolve(context.Background(), token)
	req.NoError(err)
	req.Equal("U7", id.DisplayName)
}

func TestResolveRejects(t *testing.T) {
	good, err := NewJWTResolver("ward-secret", "wardrelay")
	require.NoError(t, err)
	other, err := NewJWTResolver("other-secret", "wardrelay")
	require.NoError(t, err)
	foreign, err := NewJWTResolver("ward-secret", "someone-else")
	require.NoError(t, err)

	wrongKey, err := other.Issue(protocol.Identity{ID: "U1"}, time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := foreign.Issue(protocol.Identity{ID: "U1"}, time.Hour)
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "U1",
		Issuer:    "wardrelay",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}).SignedString([]byte("ward-secret"))
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "wardrelay",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}).SignedString([]byte("ward-secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"empty", ""},
		{"wrong key", wrongKey},
		{"wrong issuer", wrongIssuer},
		{"expired", expired},
		{"no subject", noSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := good.Resolve(context.Background(), tt.token)
			require.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}

func TestNewJWTResolverRequiresSecret(t *testing.T) {
	_, err := NewJWTResolver("  ", "")
	require.Error(t, err)
}
