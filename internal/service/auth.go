package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
)

const (
	tokenIssuer     = "pharmacy-assistant"
	tokenTypeAccess = "access"
)

// JWTClaims identify an API caller: an operator console or a channel
// gateway. Org, when set, restricts the caller to one organization.
type JWTClaims struct {
	Sub  string `json:"sub"`
	Org  string `json:"org,omitempty"`
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// TokenService issues and validates HS256 access tokens for the
// conversation API.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}
}

// Issue signs an access token for subject, optionally bound to one
// organization.
func (s *TokenService) Issue(subject, organizationID string) (string, error) {
	if subject == "" {
		return "", &domain.ErrValidation{Field: "subject", Message: "required"}
	}
	now := time.Now()
	claims := JWTClaims{
		Sub:  subject,
		Org:  organizationID,
		Type: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    tokenIssuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate parses an access token.
func (s *TokenService) Validate(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, &domain.ErrUnauthorized{Message: "invalid or expired token"}
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, &domain.ErrUnauthorized{Message: "invalid token"}
	}
	if claims.Type != tokenTypeAccess {
		return nil, &domain.ErrUnauthorized{Message: "invalid token type"}
	}
	return claims, nil
}
