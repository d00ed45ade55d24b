package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
)

func TestJWTValidator_HS256(t *testing.T) {
	v, err := NewJWTValidatorHS256("secret")
	require.NoError(t, err)

	t.Run("should accept a valid token", func(t *testing.T) {
		req := require.New(t)
		tok, err := GenerateHS256("secret", "alice", time.Minute)
		req.NoError(err)
		uid, err := v.Verify(tok)
		req.NoError(err)
		req.Equal("alice", uid)
	})

	t.Run("should reject an expired token", func(t *testing.T) {
		req := require.New(t)
		tok, err := GenerateHS256("secret", "alice", -time.Minute)
		req.NoError(err)
		_, err = v.Verify(tok)
		req.True(errors.Is(err, domain.ErrAuthFailure))
	})

	t.Run("should reject a token signed with another secret", func(t *testing.T) {
		req := require.New(t)
		tok, err := GenerateHS256("other", "alice", time.Minute)
		req.NoError(err)
		_, err = v.Verify(tok)
		req.True(errors.Is(err, domain.ErrAuthFailure))
	})

	t.Run("should reject empty and garbage tokens", func(t *testing.T) {
		req := require.New(t)
		_, err := v.Verify("")
		req.True(errors.Is(err, domain.ErrAuthFailure))
		_, err = v.Verify("not-a-jwt")
		req.True(errors.Is(err, domain.ErrAuthFailure))
	})

	t.Run("should fall back to user_id claim", func(t *testing.T) {
		req := require.New(t)
		claims := &Claims{
			UserID:           "bob",
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
		}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		req.NoError(err)
		uid, err := v.Verify(tok)
		req.NoError(err)
		req.Equal("bob", uid)
	})
}

func TestJWTValidator_RS256(t *testing.T) {
	req := require.New(t)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	req.NoError(err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	req.NoError(err)
	path := filepath.Join(t.TempDir(), "pub.pem")
	req.NoError(os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	v, err := NewJWTValidatorRS256(path)
	req.NoError(err)

	claims := jwt.RegisteredClaims{Subject: "carol", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	req.NoError(err)
	uid, err := v.Verify(tok)
	req.NoError(err)
	req.Equal("carol", uid)

	// HS256 token must not pass an RS256 validator
	hs, err := GenerateHS256("secret", "carol", time.Minute)
	req.NoError(err)
	_, err = v.Verify(hs)
	req.Error(err)
}

func TestCredential(t *testing.T) {
	tests := []struct {
		name, header, query, want string
	}{
		{"header wins", "Bearer abc", "xyz", "abc"},
		{"lowercase scheme", "bearer abc", "", "abc"},
		{"query fallback", "", "xyz", "xyz"},
		{"malformed header falls back", "Token abc", "xyz", "xyz"},
		{"nothing", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Credential(tt.header, tt.query))
		})
	}
}
