// Package auth verifies device session tokens.
//
// Devices present an HS256-signed JWT in the Authorization header of the
// WebSocket upgrade request. The token's email claim identifies the account
// the device belongs to; profile lookup keys off it.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates the token failed signature or claim
	// validation.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrNoEmailClaim indicates a structurally valid token without the
	// email identity claim.
	ErrNoEmailClaim = errors.New("auth: token has no email claim")
)

// Claims is the verified identity extracted from a device token.
type Claims struct {
	// Email identifies the account; it is the profile lookup key.
	Email string
}

// Verifier validates a raw bearer token and extracts its claims.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

var _ Verifier = (*JWTVerifier)(nil)

// tokenClaims is the JWT claim set devices are issued.
type tokenClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier returns a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify implements [Verifier].
func (v *JWTVerifier) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || claims.Email == "" {
		return nil, ErrNoEmailClaim
	}
	return &Claims{Email: claims.Email}, nil
}
