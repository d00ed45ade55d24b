package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
)

//go:generate go run go.uber.org/mock/mockgen -source=jwt.go -destination=../mocks/mock_verifier.go -package=mocks

// Verifier turns a bearer credential into a verified user id.
type Verifier interface {
	Verify(credential string) (string, error)
}

type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

type JWTValidator struct {
	method jwt.SigningMethod
	key    any
}

func NewJWTValidatorHS256(secret string) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("empty hs256 secret")
	}
	return &JWTValidator{method: jwt.SigningMethodHS256, key: []byte(secret)}, nil
}

// NewJWTValidatorRS256 loads an RSA public key from filesystem
func NewJWTValidatorRS256(pubPath string) (*JWTValidator, error) {
	b, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return NewJWTValidatorWithKey(pub), nil
}

func NewJWTValidatorWithKey(pub *rsa.PublicKey) *JWTValidator {
	return &JWTValidator{method: jwt.SigningMethodRS256, key: pub}
}

// Verify returns the subject (user id) on success. The "user_id" claim is
// accepted when "sub" is missing.
func (j *JWTValidator) Verify(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", fmt.Errorf("%w: empty token", domain.ErrAuthFailure)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return j.key, nil
	}, jwt.WithValidMethods([]string{j.method.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAuthFailure, err)
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	if claims.UserID != "" {
		return claims.UserID, nil
	}
	return "", fmt.Errorf("%w: sub claim missing", domain.ErrAuthFailure)
}

// ParseBearerToken extracts the token from an "Authorization: Bearer" value.
func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header empty")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// Credential picks the handshake credential: the Authorization header wins
// over the token query parameter.
func Credential(header, query string) string {
	if tok, err := ParseBearerToken(header); err == nil && tok != "" {
		return tok
	}
	return query
}

// GenerateHS256 signs a token for userID. Used by the dev client and tests.
func GenerateHS256(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "chat-gateway",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
