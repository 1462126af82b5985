package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/revguard/internal/auth"
	"github.com/BradenHooton/revguard/internal/models"
	pkglogger "github.com/BradenHooton/revguard/pkg/logger"
)

// LoginStatus is the outcome of a login attempt
type LoginStatus string

const (
	LoginAllowed     LoginStatus = "allowed"
	LoginLocked      LoginStatus = "locked"
	LoginRequiresMFA LoginStatus = "requires_mfa"
)

// LoginRequest carries one password login
type LoginRequest struct {
	Email       string
	Password    string
	IPAddress   string
	Fingerprint models.SessionFingerprint
}

// LoginResult is returned for every login that reached a decision
type LoginResult struct {
	Status             LoginStatus
	Session            *models.StoredSession
	ChallengeID        string
	ChallengeExpiresAt *time.Time
	LockedUntil        *time.Time
}

// AuthConfig holds facade settings
type AuthConfig struct {
	IdentityTimeout time.Duration
	SendTimeout     time.Duration
}

// AuthServiceDeps groups the collaborators of an AuthService
type AuthServiceDeps struct {
	Identity IdentityProvider
	Limiter  *RateLimiter
	Sessions *SessionStore
	MFA      *MFAChallengeManager
	CSRF     *auth.CSRFTokenManager
	Detector *ThreatDetector
	Events   *SecurityEventLog
	Sender   MFACodeSender
	Timing   *auth.TimingDelay
	Clock    auth.Clock
	Logger   *slog.Logger
}

// AuthService is the entry point for the page and handler layer. It wires
// the rate limiter, identity provider, MFA challenges and sessions into the
// login flow.
type AuthService struct {
	identity IdentityProvider
	limiter  *RateLimiter
	sessions *SessionStore
	mfa      *MFAChallengeManager
	csrf     *auth.CSRFTokenManager
	detector *ThreatDetector
	events   *SecurityEventLog
	sender   MFACodeSender
	timing   *auth.TimingDelay
	clock    auth.Clock
	config   AuthConfig
	logger   *slog.Logger

	sends sync.WaitGroup
}

// NewAuthService creates a new AuthService
func NewAuthService(config AuthConfig, deps AuthServiceDeps) *AuthService {
	if config.IdentityTimeout <= 0 {
		config.IdentityTimeout = 10 * time.Second
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 30 * time.Second
	}

	return &AuthService{
		identity: deps.Identity,
		limiter:  deps.Limiter,
		sessions: deps.Sessions,
		mfa:      deps.MFA,
		csrf:     deps.CSRF,
		detector: deps.Detector,
		events:   deps.Events,
		sender:   deps.Sender,
		timing:   deps.Timing,
		clock:    deps.Clock,
		config:   config,
		logger:   deps.Logger,
	}
}

// Login authenticates req. Wrong credentials return models.ErrInvalidCredentials
// unless they trigger a lockout, in which case a LoginLocked result is returned.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	start := time.Now()
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return nil, models.ErrInvalidCredentials
	}

	if s.detector.LooksLikeSQLInjection(email) {
		return nil, fmt.Errorf("login rejected: %w", models.ErrInjectionDetected)
	}

	ipIdentifier := ""
	if req.IPAddress != "" {
		ipIdentifier = IPIdentifierPrefix + req.IPAddress
	}

	if locked := s.checkLocked(email, ipIdentifier); locked != nil {
		s.events.RecordEvent(models.EventFailedLogin, "", email, models.EventMetadata{
			"reason":     "locked",
			"ip_address": req.IPAddress,
		})
		s.timing.WaitFrom(ctx, start, false)
		return &LoginResult{Status: LoginLocked, LockedUntil: locked}, nil
	}

	identity, err := s.authenticate(ctx, email, req.Password)
	if err != nil {
		if !errors.Is(err, models.ErrInvalidCredentials) {
			s.logger.Error("identity provider authentication failed", slog.Any("error", err))
			return nil, err
		}

		s.logger.Info("login failed: invalid credentials", slog.String("email", pkglogger.SanitizedEmail(email)))
		s.events.RecordEvent(models.EventFailedLogin, "", email, models.EventMetadata{
			"reason":     "invalid_credentials",
			"ip_address": req.IPAddress,
		})

		locked := s.recordFailure(email, ipIdentifier)
		s.timing.WaitFrom(ctx, start, false)
		if locked != nil {
			return &LoginResult{Status: LoginLocked, LockedUntil: locked}, nil
		}
		return nil, models.ErrInvalidCredentials
	}

	if decision := s.limiter.CheckAndRecordAttempt(email, true); !decision.Allowed {
		// Locked out by a concurrent failure between the check and now
		return &LoginResult{Status: LoginLocked, LockedUntil: decision.LockedUntil}, nil
	}

	mfaCtx, cancel := context.WithTimeout(ctx, s.config.IdentityTimeout)
	mfaEnabled, err := s.identity.MFAEnabled(mfaCtx, identity.SubjectID)
	cancel()
	if err != nil {
		return nil, s.identityError(err)
	}

	if mfaEnabled {
		return s.startChallenge(email, identity, req.Fingerprint)
	}

	session, err := s.sessions.Create(identity.SubjectID, identity.Token, identity.ExpiresAt, req.Fingerprint)
	if err != nil {
		return nil, err
	}

	s.events.RecordEvent(models.EventLogin, identity.SubjectID, email, models.EventMetadata{
		"ip_address": req.IPAddress,
		"mfa":        false,
	})
	s.timing.WaitFrom(ctx, start, true)

	return &LoginResult{Status: LoginAllowed, Session: session}, nil
}

func (s *AuthService) authenticate(ctx context.Context, email, password string) (*IdentityResult, error) {
	authCtx, cancel := context.WithTimeout(ctx, s.config.IdentityTimeout)
	defer cancel()

	identity, err := s.identity.Authenticate(authCtx, email, password)
	if err != nil {
		if errors.Is(err, models.ErrInvalidCredentials) {
			return nil, err
		}
		return nil, s.identityError(err)
	}
	return identity, nil
}

// identityError classifies a collaborator failure as transient
func (s *AuthService) identityError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", models.ErrIdentityUnavailable, err)
	}
	return fmt.Errorf("identity provider: %w", err)
}

// checkLocked returns the latest unlock time if any identifier is locked
func (s *AuthService) checkLocked(identifiers ...string) *time.Time {
	var until *time.Time
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		decision := s.limiter.Check(id)
		if !decision.Allowed && decision.LockedUntil != nil {
			if until == nil || decision.LockedUntil.After(*until) {
				until = decision.LockedUntil
			}
		}
	}
	return until
}

// recordFailure counts a failure against every identifier and returns the
// latest unlock time if any of them is now locked
func (s *AuthService) recordFailure(identifiers ...string) *time.Time {
	var until *time.Time
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		decision := s.limiter.CheckAndRecordAttempt(id, false)
		if !decision.Allowed && decision.LockedUntil != nil {
			if until == nil || decision.LockedUntil.After(*until) {
				until = decision.LockedUntil
			}
		}
	}
	return until
}

func (s *AuthService) startChallenge(email string, identity *IdentityResult, fingerprint models.SessionFingerprint) (*LoginResult, error) {
	challenge, err := s.mfa.Issue(models.PendingLogin{
		SubjectID:    identity.SubjectID,
		Identifier:   email,
		SessionToken: identity.Token,
		ExpiresAt:    identity.ExpiresAt,
		Fingerprint:  fingerprint,
	})
	if err != nil {
		return nil, err
	}

	s.events.RecordEvent(models.EventMFAChallenge, identity.SubjectID, email, models.EventMetadata{
		"challenge_id": challenge.ChallengeID,
	})

	s.sendCode(identity.SubjectID, challenge.Code)

	expiresAt := challenge.ExpiresAt
	return &LoginResult{
		Status:             LoginRequiresMFA,
		ChallengeID:        challenge.ChallengeID,
		ChallengeExpiresAt: &expiresAt,
	}, nil
}

// sendCode delivers code in the background; a delivery failure leaves the
// challenge valid
func (s *AuthService) sendCode(subjectID, code string) {
	if s.sender == nil {
		return
	}

	s.sends.Add(1)
	go func() {
		defer s.sends.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.SendTimeout)
		defer cancel()

		if err := s.sender.SendMFACode(ctx, subjectID, code); err != nil {
			s.logger.Error("failed to deliver mfa code",
				slog.String("subject_id", subjectID),
				slog.Any("error", err),
			)
		}
	}()
}

// VerifyMFA completes a login with the code for challengeID. Repeated wrong
// codes lock the challenge out and cancel it.
func (s *AuthService) VerifyMFA(ctx context.Context, challengeID, code string) (*models.StoredSession, error) {
	identifier := MFAIdentifierPrefix + challengeID

	if decision := s.limiter.Check(identifier); !decision.Allowed {
		s.mfa.Cancel(challengeID)
		return nil, &models.RateLimitedError{LockedUntil: lockedUntilOrNow(decision, s.clock.Now())}
	}

	pending, err := s.mfa.Verify(challengeID, strings.TrimSpace(code))
	if err != nil {
		if !errors.Is(err, models.ErrMFAMismatch) {
			return nil, err
		}

		s.events.RecordEvent(models.EventFailedLogin, "", "", models.EventMetadata{
			"reason":       "mfa_mismatch",
			"challenge_id": challengeID,
		})

		decision := s.limiter.CheckAndRecordAttempt(identifier, false)
		if !decision.Allowed {
			s.mfa.Cancel(challengeID)
			return nil, &models.RateLimitedError{LockedUntil: lockedUntilOrNow(decision, s.clock.Now())}
		}
		return nil, err
	}

	s.limiter.CheckAndRecordAttempt(identifier, true)

	session, err := s.sessions.Create(pending.SubjectID, pending.SessionToken, pending.ExpiresAt, pending.Fingerprint)
	if err != nil {
		return nil, err
	}

	s.events.RecordEvent(models.EventLogin, pending.SubjectID, pending.Identifier, models.EventMetadata{
		"mfa": true,
	})

	return session, nil
}

// ValidateSession checks sessionID against the request fingerprint
func (s *AuthService) ValidateSession(ctx context.Context, sessionID string, fingerprint models.SessionFingerprint) (*models.StoredSession, error) {
	return s.sessions.Validate(ctx, sessionID, fingerprint)
}

// RecordActivity marks the session as active
func (s *AuthService) RecordActivity(sessionID string) {
	s.sessions.RecordActivity(sessionID)
}

// Logout revokes sessionID
func (s *AuthService) Logout(ctx context.Context, sessionID string) {
	session, ok := s.sessions.Get(sessionID)
	s.sessions.Revoke(ctx, sessionID, models.SessionEndLogout)

	if ok {
		s.events.RecordEvent(models.EventLogout, session.SubjectID, "", models.EventMetadata{
			"session_id": sessionID,
		})
	}
}

// IssueCSRFToken returns a new single-use CSRF token
func (s *AuthService) IssueCSRFToken() (string, error) {
	return s.csrf.Issue()
}

// ValidateCSRFToken consumes token
func (s *AuthService) ValidateCSRFToken(token string) bool {
	return s.csrf.Validate(token)
}

// SanitizeInput returns input with script constructs removed and HTML-encoded
func (s *AuthService) SanitizeInput(input string) string {
	return s.detector.Sanitize(input)
}

// CheckInput rejects input that looks like SQL injection
func (s *AuthService) CheckInput(input string) error {
	return s.detector.Check(input)
}

// ThreatLog returns threat records at or above minSeverity
func (s *AuthService) ThreatLog(minSeverity models.Severity) []models.ThreatRecord {
	return s.events.Threats(minSeverity)
}

// SecurityEvents returns the security events matching filter
func (s *AuthService) SecurityEvents(filter models.SecurityEventFilter) []models.SecurityEvent {
	return s.events.Events(filter)
}

// Wait blocks until background code deliveries and session refreshes finish
func (s *AuthService) Wait() {
	s.sends.Wait()
	s.sessions.WaitForRefreshes()
}

func lockedUntilOrNow(decision models.RateLimitDecision, now time.Time) time.Time {
	if decision.LockedUntil != nil {
		return *decision.LockedUntil
	}
	return now
}
