package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/revguard/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionTokenType = "session"

// TokenManager issues and validates the signed session tokens handed out by
// the local identity provider
type TokenManager struct {
	secret string
	expiry time.Duration
	clock  Clock
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(secret string, expiry time.Duration, clock Clock) *TokenManager {
	return &TokenManager{
		secret: secret,
		expiry: expiry,
		clock:  clock,
	}
}

// GenerateSessionToken creates a signed token for userID and returns its expiry
func (tm *TokenManager) GenerateSessionToken(userID, email string) (string, time.Time, error) {
	now := tm.clock.Now()
	expiresAt := now.Add(tm.expiry)

	claims := &models.TokenClaims{
		Type:   sessionTokenType,
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(tm.secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken verifies a token and returns its claims.
// An expired but otherwise valid token yields models.ErrIdentityTokenExpired.
func (tm *TokenManager) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(tm.secret), nil
	}, jwt.WithTimeFunc(tm.clock.Now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, models.ErrIdentityTokenExpired
		}
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, models.ErrUnauthorized
	}

	if claims.Type != sessionTokenType {
		return nil, fmt.Errorf("invalid token type %q", claims.Type)
	}

	return claims, nil
}
