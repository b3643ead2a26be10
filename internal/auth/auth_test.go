package auth_test

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrWong99/voxgate/internal/auth"
)

const secret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims, key string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestVerify_ValidToken(t *testing.T) {
	t.Parallel()

	v := auth.NewJWTVerifier(secret)
	token := signToken(t, jwt.MapClaims{"email": "parent@example.com"}, secret)

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Email != "parent@example.com" {
		t.Errorf("email = %q; want parent@example.com", claims.Email)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	t.Parallel()

	v := auth.NewJWTVerifier(secret)
	token := signToken(t, jwt.MapClaims{"email": "parent@example.com"}, "other-secret")

	if _, err := v.Verify(token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("Verify = %v; want ErrInvalidToken", err)
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	t.Parallel()

	v := auth.NewJWTVerifier(secret)
	token := signToken(t, jwt.MapClaims{
		"email": "parent@example.com",
		"exp":   time.Now().Add(-time.Hour).Unix(),
	}, secret)

	if _, err := v.Verify(token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("Verify = %v; want ErrInvalidToken for expired token", err)
	}
}

func TestVerify_MissingEmailClaim(t *testing.T) {
	t.Parallel()

	v := auth.NewJWTVerifier(secret)
	token := signToken(t, jwt.MapClaims{"sub": "device-1"}, secret)

	if _, err := v.Verify(token); !errors.Is(err, auth.ErrNoEmailClaim) {
		t.Errorf("Verify = %v; want ErrNoEmailClaim", err)
	}
}

func TestVerify_RejectsUnsignedToken(t *testing.T) {
	t.Parallel()

	v := auth.NewJWTVerifier(secret)
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"email": "parent@example.com"})
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := v.Verify(s); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("Verify = %v; want ErrInvalidToken for alg=none", err)
	}
}

func TestVerify_Garbage(t *testing.T) {
	t.Parallel()

	v := auth.NewJWTVerifier(secret)
	if _, err := v.Verify("not.a.jwt"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("Verify = %v; want ErrInvalidToken", err)
	}
}
