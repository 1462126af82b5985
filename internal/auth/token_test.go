package auth_test

import (
	"testing"
	"time"

	"github.com/BradenHooton/revguard/internal/auth"
	"github.com/BradenHooton/revguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-32-characters-long!!"

func TestTokenManager_RoundTrip(t *testing.T) {
	clock := auth.NewFakeClock(time.Now())
	tm := auth.NewTokenManager(testSecret, time.Hour, clock)

	token, expiresAt, err := tm.GenerateSessionToken("user-1", "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Hour), expiresAt)

	claims, err := tm.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "owner@example.com", claims.Email)
}

func TestTokenManager_ExpiredToken(t *testing.T) {
	clock := auth.NewFakeClock(time.Now())
	tm := auth.NewTokenManager(testSecret, time.Minute, clock)

	token, _, err := tm.GenerateSessionToken("user-1", "owner@example.com")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = tm.ValidateToken(token)
	assert.ErrorIs(t, err, models.ErrIdentityTokenExpired)
}

func TestTokenManager_WrongSecret(t *testing.T) {
	clock := auth.NewFakeClock(time.Now())
	issuer := auth.NewTokenManager(testSecret, time.Hour, clock)
	verifier := auth.NewTokenManager("another-secret-32-characters-long", time.Hour, clock)

	token, _, err := issuer.GenerateSessionToken("user-1", "owner@example.com")
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrIdentityTokenExpired)
}

func TestTokenManager_Garbage(t *testing.T) {
	tm := auth.NewTokenManager(testSecret, time.Hour, auth.SystemClock{})

	_, err := tm.ValidateToken("not-a-token")
	assert.Error(t, err)
}
