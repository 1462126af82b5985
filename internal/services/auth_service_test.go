package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BradenHooton/revguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "SecureP@ss123"
)

// newTestIdentity accepts testPassword for testEmail only
func newTestIdentity(mfaEnabled bool) *MockIdentityProvider {
	return &MockIdentityProvider{
		AuthenticateFunc: func(ctx context.Context, email, password string) (*IdentityResult, error) {
			if email != testEmail || password != testPassword {
				return nil, models.ErrInvalidCredentials
			}
			return &IdentityResult{
				SubjectID: "user-1",
				Token:     "idp-token-1",
				ExpiresAt: testEpoch.Add(time.Hour),
			}, nil
		},
		MFAEnabledFunc: func(ctx context.Context, subjectID string) (bool, error) {
			return mfaEnabled, nil
		},
	}
}

func loginRequest(password, ip string) LoginRequest {
	return LoginRequest{
		Email:       testEmail,
		Password:    password,
		IPAddress:   ip,
		Fingerprint: testFingerprint(),
	}
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

// ============================================================================
// Login Tests
// ============================================================================

func TestAuthService_LoginWithoutMFA(t *testing.T) {
	env := newTestAuthEnv(newTestIdentity(false))

	result, err := env.service.Login(context.Background(), loginRequest(testPassword, "10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, LoginAllowed, result.Status)
	require.NotNil(t, result.Session)
	assert.Equal(t, "user-1", result.Session.SubjectID)
	assert.Equal(t, "idp-token-1", result.Session.SessionToken)

	session, err := env.service.ValidateSession(context.Background(), result.Session.ID, testFingerprint())
	require.NoError(t, err)
	assert.Equal(t, result.Session.ID, session.ID)

	logins := env.service.SecurityEvents(models.SecurityEventFilter{Kind: models.EventLogin})
	require.Len(t, logins, 1)
	assert.Equal(t, "user-1", logins[0].SubjectID)
}

func TestAuthService_LoginEmptyCredentials(t *testing.T) {
	env := newTestAuthEnv(newTestIdentity(false))

	_, err := env.service.Login(context.Background(), LoginRequest{Email: "  ", Password: testPassword})
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)

	_, err = env.service.Login(context.Background(), LoginRequest{Email: testEmail})
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
}

func TestAuthService_LoginLocksAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	identity := newTestIdentity(false)
	authenticate := identity.AuthenticateFunc
	identity.AuthenticateFunc = func(ctx context.Context, email, password string) (*IdentityResult, error) {
		calls.Add(1)
		return authenticate(ctx, email, password)
	}
	env := newTestAuthEnv(identity)

	for i := 1; i < 5; i++ {
		_, err := env.service.Login(context.Background(), loginRequest("WrongP@ss123", "10.0.0.1"))
		require.ErrorIs(t, err, models.ErrInvalidCredentials, "attempt %d", i)
	}

	result, err := env.service.Login(context.Background(), loginRequest("WrongP@ss123", "10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, LoginLocked, result.Status)
	require.NotNil(t, result.LockedUntil)
	assert.Equal(t, testEpoch.Add(15*time.Minute), *result.LockedUntil)

	// The right password does not get through while locked
	result, err = env.service.Login(context.Background(), loginRequest(testPassword, "10.0.0.2"))
	require.NoError(t, err)
	assert.Equal(t, LoginLocked, result.Status)
	assert.Equal(t, int32(5), calls.Load())

	env.clock.Advance(15 * time.Minute)
	result, err = env.service.Login(context.Background(), loginRequest(testPassword, "10.0.0.2"))
	require.NoError(t, err)
	assert.Equal(t, LoginAllowed, result.Status)
}

func TestAuthService_SuccessResetsEmailCounterOnly(t *testing.T) {
	env := newTestAuthEnv(newTestIdentity(false))

	for i := 0; i < 2; i++ {
		_, err := env.service.Login(context.Background(), loginRequest("WrongP@ss123", "10.0.0.1"))
		require.ErrorIs(t, err, models.ErrInvalidCredentials)
	}

	_, err := env.service.Login(context.Background(), loginRequest(testPassword, "10.0.0.1"))
	require.NoError(t, err)

	_, ok := env.limiter.Get(testEmail)
	assert.False(t, ok)

	ip, ok := env.limiter.Get(IPIdentifierPrefix + "10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, 2, ip.Count)
}

func TestAuthService_ConcurrentFailuresLockOnce(t *testing.T) {
	env := newTestAuthEnv(newTestIdentity(false))

	const workers = 10
	var wg sync.WaitGroup
	var invalid, locked atomic.Int32

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := env.service.Login(context.Background(), loginRequest("WrongP@ss123", fmt.Sprintf("10.0.1.%d", i)))
			switch {
			case errors.Is(err, models.ErrInvalidCredentials):
				invalid.Add(1)
			case err == nil && result.Status == LoginLocked:
				locked.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(4), invalid.Load())
	assert.Equal(t, int32(6), locked.Load())

	attempt, ok := env.limiter.Get(testEmail)
	require.True(t, ok)
	assert.Equal(t, 5, attempt.Count)

	lockouts := 0
	for _, threat := range env.service.ThreatLog(models.SeverityLow) {
		if threat.Kind == models.ThreatSuspiciousActivity {
			lockouts++
		}
	}
	assert.Equal(t, 1, lockouts)
}

func TestAuthService_IdentityTimeoutIsNotCounted(t *testing.T) {
	identity := &MockIdentityProvider{
		AuthenticateFunc: func(ctx context.Context, email, password string) (*IdentityResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	env := newTestAuthEnv(identity)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := env.service.Login(ctx, loginRequest(testPassword, "10.0.0.1"))
	assert.ErrorIs(t, err, models.ErrIdentityUnavailable)
	assert.True(t, models.IsRetryable(err))

	_, ok := env.limiter.Get(testEmail)
	assert.False(t, ok)
	assert.Empty(t, env.service.SecurityEvents(models.SecurityEventFilter{Kind: models.EventFailedLogin}))
}

func TestAuthService_LoginRejectsInjection(t *testing.T) {
	var calls atomic.Int32
	identity := &MockIdentityProvider{
		AuthenticateFunc: func(ctx context.Context, email, password string) (*IdentityResult, error) {
			calls.Add(1)
			return nil, models.ErrInvalidCredentials
		},
	}
	env := newTestAuthEnv(identity)

	_, err := env.service.Login(context.Background(), LoginRequest{Email: "' OR '1'='1", Password: "x"})
	assert.ErrorIs(t, err, models.ErrInjectionDetected)
	assert.Equal(t, int32(0), calls.Load())

	critical := env.service.ThreatLog(models.SeverityCritical)
	require.Len(t, critical, 1)
	assert.Equal(t, models.ThreatSQLInjection, critical[0].Kind)
}

// ============================================================================
// MFA Tests
// ============================================================================

func TestAuthService_LoginWithMFA(t *testing.T) {
	env := newTestAuthEnv(newTestIdentity(true))

	result, err := env.service.Login(context.Background(), loginRequest(testPassword, "10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, LoginRequiresMFA, result.Status)
	assert.Nil(t, result.Session)
	require.NotEmpty(t, result.ChallengeID)
	require.NotNil(t, result.ChallengeExpiresAt)
	assert.Equal(t, testEpoch.Add(5*time.Minute), *result.ChallengeExpiresAt)
	assert.Equal(t, 0, env.sessions.Len())

	env.service.Wait()
	code := env.sender.CodeFor("user-1")
	require.Regexp(t, sixDigits, code)

	session, err := env.service.VerifyMFA(context.Background(), result.ChallengeID, code)
	require.NoError(t, err)
	assert.Equal(t, "user-1", session.SubjectID)
	assert.True(t, session.ExpiresAt.After(env.clock.Now()))

	_, err = env.service.VerifyMFA(context.Background(), result.ChallengeID, code)
	assert.ErrorIs(t, err, models.ErrMFAAlreadyUsed)

	assert.Len(t, env.service.SecurityEvents(models.SecurityEventFilter{Kind: models.EventMFAChallenge}), 1)
	assert.Len(t, env.service.SecurityEvents(models.SecurityEventFilter{Kind: models.EventLogin}), 1)
}

func TestAuthService_VerifyMFAExpired(t *testing.T) {
	env := newTestAuthEnv(newTestIdentity(true))

	result, err := env.service.Login(context.Background(), loginRequest(testPassword, "10.0.0.1"))
	require.NoError(t, err)
	env.service.Wait()

	env.clock.Advance(301 * time.Second)

	_, err = env.service.VerifyMFA(context.Background(), result.ChallengeID, env.sender.CodeFor("user-1"))
	assert.ErrorIs(t, err, models.ErrMFAExpired)
	assert.Equal(t, 0, env.sessions.Len())
}

func TestAuthService_VerifyMFALockout(t *testing.T) {
	env := newTestAuthEnv(newTestIdentity(true))

	result, err := env.service.Login(context.Background(), loginRequest(testPassword, "10.0.0.1"))
	require.NoError(t, err)
	env.service.Wait()
	code := env.sender.CodeFor("user-1")

	for i := 1; i < 5; i++ {
		_, err := env.service.VerifyMFA(context.Background(), result.ChallengeID, wrongCode(code))
		require.ErrorIs(t, err, models.ErrMFAMismatch, "attempt %d", i)
	}

	_, err = env.service.VerifyMFA(context.Background(), result.ChallengeID, wrongCode(code))
	var limited *models.RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, env.clock.Now().Add(15*time.Minute), limited.LockedUntil)

	_, err = env.service.VerifyMFA(context.Background(), result.ChallengeID, code)
	assert.ErrorIs(t, err, models.ErrRateLimited)
	assert.Equal(t, 0, env.mfa.Len())
}

func TestAuthService_MFADeliveryFailureKeepsChallenge(t *testing.T) {
	env := newTestAuthEnv(newTestIdentity(true))
	env.sender.Err = errors.New("ses unavailable")

	result, err := env.service.Login(context.Background(), loginRequest(testPassword, "10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, LoginRequiresMFA, result.Status)

	env.service.Wait()
	assert.Equal(t, 1, env.mfa.Len())
}

// ============================================================================
// Session, CSRF and input Tests
// ============================================================================

func TestAuthService_Logout(t *testing.T) {
	env := newTestAuthEnv(newTestIdentity(false))

	result, err := env.service.Login(context.Background(), loginRequest(testPassword, "10.0.0.1"))
	require.NoError(t, err)

	env.service.Logout(context.Background(), result.Session.ID)

	_, err = env.service.ValidateSession(context.Background(), result.Session.ID, testFingerprint())
	assert.ErrorIs(t, err, models.ErrSessionExpired)
	assert.Empty(t, env.sessRepo.Sessions)

	logouts := env.service.SecurityEvents(models.SecurityEventFilter{Kind: models.EventLogout})
	require.Len(t, logouts, 1)
	assert.Equal(t, "user-1", logouts[0].SubjectID)
}

func TestAuthService_HijackedSessionRevoked(t *testing.T) {
	env := newTestAuthEnv(newTestIdentity(false))

	result, err := env.service.Login(context.Background(), loginRequest(testPassword, "10.0.0.1"))
	require.NoError(t, err)

	stolen := testFingerprint()
	stolen.UserAgent = "python-requests/2.32"
	stolen.Timezone = "Europe/Moscow"

	_, err = env.service.ValidateSession(context.Background(), result.Session.ID, stolen)
	assert.ErrorIs(t, err, models.ErrFingerprintMismatch)

	_, err = env.service.ValidateSession(context.Background(), result.Session.ID, testFingerprint())
	assert.ErrorIs(t, err, models.ErrSessionExpired)

	assert.Len(t, env.service.SecurityEvents(models.SecurityEventFilter{Kind: models.EventSessionRevoked}), 1)
}

func TestAuthService_CSRFTokensAreSingleUse(t *testing.T) {
	env := newTestAuthEnv(newTestIdentity(false))

	token, err := env.service.IssueCSRFToken()
	require.NoError(t, err)

	assert.True(t, env.service.ValidateCSRFToken(token))
	assert.False(t, env.service.ValidateCSRFToken(token))

	threats := env.service.ThreatLog(models.SeverityHigh)
	require.Len(t, threats, 1)
	assert.Equal(t, models.ThreatCSRF, threats[0].Kind)
}

func TestAuthService_SanitizeAndCheckInput(t *testing.T) {
	env := newTestAuthEnv(newTestIdentity(false))

	assert.Equal(t, "hello", env.service.SanitizeInput("<script>alert(1)</script>hello"))
	assert.NoError(t, env.service.CheckInput("Q3 revenue"))
	assert.ErrorIs(t, env.service.CheckInput("1; DROP TABLE users"), models.ErrInjectionDetected)
}
