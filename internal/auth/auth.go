package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"usergate.org/internal/ids"
)

// TokenType distinguishes access from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims represents JWT claims used across the service.
type Claims struct {
	UserID    string    `json:"user_id,omitempty"`
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// tokenCodec signs and verifies session tokens with either HS256 or RS256.
type tokenCodec struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	issuer    string
	now       func() time.Time
}

func newHMACCodec(secret []byte) *tokenCodec {
	return &tokenCodec{method: jwt.SigningMethodHS256, signKey: secret, verifyKey: secret}
}

func newRSACodec(priv *rsa.PrivateKey, pub *rsa.PublicKey) *tokenCodec {
	return &tokenCodec{method: jwt.SigningMethodRS256, signKey: priv, verifyKey: pub}
}

func (c *tokenCodec) issue(userID string, typ TokenType, ttl time.Duration) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("userID is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("ttl must be greater than zero")
	}
	now := c.now().UTC()
	expiresAt := now.Add(ttl)
	claims := Claims{
		UserID:    userID,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        ids.New(),
		},
	}
	token := jwt.NewWithClaims(c.method, claims)
	if c.keyID != "" {
		token.Header["kid"] = c.keyID
	}
	signed, err := token.SignedString(c.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// parse verifies signature first, then expiry, then the claims this service requires.
// A missing user_id is reported separately so callers can tell a forged shape from a bad signature.
func (c *tokenCodec) parse(raw string, want TokenType) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.verifyKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := validateClaims(claims, c.issuer, want); err != nil {
		return nil, err
	}
	return claims, nil
}

func validateClaims(claims *Claims, issuer string, want TokenType) error {
	if issuer != "" && claims.Issuer != issuer {
		return ErrInvalidToken
	}
	if claims.TokenType != want {
		return ErrInvalidToken
	}
	if claims.IssuedAt == nil {
		return ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return ErrMalformedToken
	}
	return nil
}
