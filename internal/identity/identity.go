// Package identity resolves client credentials to durable identities. The
// relay treats resolution as a black box; JWTResolver is the shipped
// implementation and any Resolver can replace it.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"wardrelay/internal/protocol"
)

// ErrInvalidToken is returned when a credential does not resolve to an identity.
var ErrInvalidToken = errors.New("invalid token")

// Resolver maps a credential token to an identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (protocol.Identity, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, token string) (protocol.Identity, error)

func (f ResolverFunc) Resolve(ctx context.Context, token string) (protocol.Identity, error) {
	return f(ctx, token)
}

// Claims is the JWT payload. The subject carries the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver verifies HS256 tokens signed with a shared secret.
type JWTResolver struct {
	secret []byte
	issuer string
}

// NewJWTResolver returns a resolver for tokens signed with secret. An empty
// issuer accepts tokens from any issuer.
func NewJWTResolver(secret, issuer string) (*JWTResolver, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &JWTResolver{secret: []byte(secret), issuer: issuer}, nil
}

// Resolve validates signature, expiry and issuer and returns the identity in
// the token. Every failure wraps ErrInvalidToken.
func (r *JWTResolver) Resolve(_ context.Context, token string) (protocol.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return protocol.Identity{}, ErrInvalidToken
	}
	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return protocol.Identity{}, fmt.Errorf("%w: subject is empty", ErrInvalidToken)
	}

	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = userID
	}
	return protocol.Identity{ID: userID, DisplayName: name, Role: claims.Role}, nil
}

// Issue signs a token for id valid for ttl.
func (r *JWTResolver) Issue(id protocol.Identity, ttl time.Duration) (string, error) {
	if strings.TrimSpace(id.ID) == "" {
		return "", fmt.Errorf("user id is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	now := time.Now()
	claims := &Claims{
		Name: id.DisplayName,
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}
