// Package auth verifies the access tokens clients present on the
// websocket handshake. Token issuance lives in the identity service;
// this node only validates.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chess-arena/internal/errs"
)

type TokenService struct {
	secret []byte
	ttl    time.Duration
}

type Claims struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	jwt.RegisteredClaims
}

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}
}

// Generate mints a token. Only used by dev tooling and tests; in
// production tokens come from the identity service sharing the secret.
func (s *TokenService) Generate(playerID, displayName string) (string, error) {
	now := time.Now()
	claims := Claims{
		PlayerID:    playerID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate parses and checks an access token.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method", errs.ErrUnauthenticated)
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.PlayerID == "" {
		return nil, fmt.Errorf("%w: invalid token", errs.ErrUnauthenticated)
	}
	return claims, nil
}
