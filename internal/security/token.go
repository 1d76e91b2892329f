package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenPurpose is the fixed purpose claim for widget session tokens
const TokenPurpose = "widget"

// WidgetClaims represents the claims of a widget session token
type WidgetClaims struct {
	SessionID uuid.UUID `json:"sid"`
	AppID     uuid.UUID `json:"app"`
	Purpose   string    `json:"purpose"`
	jwt.RegisteredClaims
}

// TokenService issues and validates the short-lived signed credentials that
// bind a gateway connection to one session. It is the single authorization
// gate for both the chat and voice protocols.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a new token service
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// Issue produces a signed, time-bound credential for a session
func (s *TokenService) Issue(sessionID, appID uuid.UUID) (string, error) {
	now := time.Now()
	claims := WidgetClaims{
		SessionID: sessionID,
		AppID:     appID,
		Purpose:   TokenPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "widget-gateway",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and verifies a token and returns its claims
func (s *TokenService) Validate(tokenString string) (*WidgetClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &WidgetClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*WidgetClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Purpose != TokenPurpose {
		return nil, fmt.Errorf("unexpected token purpose: %q", claims.Purpose)
	}

	return claims, nil
}

// ValidateForSession reports whether the token is valid, unexpired, and was
// issued for exactly the supplied session.
func (s *TokenService) ValidateForSession(tokenString string, sessionID uuid.UUID) bool {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return false
	}
	return claims.SessionID == sessionID
}

// TTL returns the configured token lifetime
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}
