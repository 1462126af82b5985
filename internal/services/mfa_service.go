package services

import (
	"context"
	"encoding/base32"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/revguard/internal/auth"
	"github.com/BradenHooton/revguard/internal/models"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
)

const mfaSecretBytes = 20

var mfaCodeOpts = hotp.ValidateOpts{
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// MFAConfig holds MFA challenge settings
type MFAConfig struct {
	CodeExpiry time.Duration
}

type mfaEntry struct {
	challenge models.MFAChallenge
	secret    string
	pending   models.PendingLogin
}

// MFAChallengeManager issues and verifies one-time login codes.
//
// Each challenge gets its own random HOTP secret and the code is the counter-0
// value, so generation and the constant-time comparison both come from the
// HOTP implementation.
type MFAChallengeManager struct {
	mu         sync.Mutex
	challenges map[string]*mfaEntry
	bySubject  map[string]map[string]struct{}
	consumed   map[string]time.Time // challenge id -> original expiry

	config MFAConfig
	clock  auth.Clock
	random auth.RandomSource
	logger *slog.Logger
}

// NewMFAChallengeManager creates a new MFAChallengeManager
func NewMFAChallengeManager(config MFAConfig, clock auth.Clock, random auth.RandomSource, logger *slog.Logger) *MFAChallengeManager {
	if config.CodeExpiry <= 0 {
		config.CodeExpiry = 5 * time.Minute
	}

	return &MFAChallengeManager{
		challenges: make(map[string]*mfaEntry),
		bySubject:  make(map[string]map[string]struct{}),
		consumed:   make(map[string]time.Time),
		config:     config,
		clock:      clock,
		random:     random,
		logger:     logger,
	}
}

// Issue creates a challenge for pending.SubjectID. Earlier unconsumed
// challenges of the same subject are cancelled.
func (m *MFAChallengeManager) Issue(pending models.PendingLogin) (*models.MFAChallenge, error) {
	raw, err := auth.RandomBytes(m.random, mfaSecretBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate mfa secret: %w", err)
	}
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)

	code, err := hotp.GenerateCodeCustom(secret, 0, mfaCodeOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate mfa code: %w", err)
	}

	challengeID, err := auth.RandomID(m.random)
	if err != nil {
		return nil, err
	}

	entry := &mfaEntry{
		challenge: models.MFAChallenge{
			ChallengeID: challengeID,
			SubjectID:   pending.SubjectID,
			Code:        code,
			ExpiresAt:   m.clock.Now().Add(m.config.CodeExpiry),
		},
		secret:  secret,
		pending: pending,
	}

	m.mu.Lock()
	cancelled := 0
	for previous := range m.bySubject[pending.SubjectID] {
		m.removeLocked(previous)
		cancelled++
	}
	m.challenges[challengeID] = entry
	if m.bySubject[pending.SubjectID] == nil {
		m.bySubject[pending.SubjectID] = make(map[string]struct{})
	}
	m.bySubject[pending.SubjectID][challengeID] = struct{}{}
	m.mu.Unlock()

	if cancelled > 0 {
		m.logger.Info("superseded pending mfa challenges",
			slog.String("subject_id", pending.SubjectID),
			slog.Int("cancelled", cancelled),
		)
	}

	challenge := entry.challenge
	return &challenge, nil
}

// Verify checks code against challengeID. A mismatch keeps the challenge so
// the caller may retry; success consumes it and returns the pending login.
func (m *MFAChallengeManager) Verify(challengeID, code string) (*models.PendingLogin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	entry, ok := m.challenges[challengeID]
	if !ok {
		if _, used := m.consumed[challengeID]; used {
			return nil, models.ErrMFAAlreadyUsed
		}
		return nil, models.ErrMFANotFound
	}

	if entry.challenge.IsExpired(now) {
		m.removeLocked(challengeID)
		return nil, models.ErrMFAExpired
	}

	if entry.challenge.Consumed {
		return nil, models.ErrMFAAlreadyUsed
	}

	// A malformed code is reported by the validator as an error; treat it as wrong
	valid, err := hotp.ValidateCustom(code, 0, entry.secret, mfaCodeOpts)
	if err != nil || !valid {
		return nil, models.ErrMFAMismatch
	}

	entry.challenge.Consumed = true
	m.consumed[challengeID] = entry.challenge.ExpiresAt
	m.removeLocked(challengeID)

	pending := entry.pending
	return &pending, nil
}

// Cancel drops challengeID; it reports whether the challenge existed
func (m *MFAChallengeManager) Cancel(challengeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.challenges[challengeID]; !ok {
		return false
	}
	m.removeLocked(challengeID)
	return true
}

// PurgeExpired removes expired challenges and the markers of consumed ones
func (m *MFAChallengeManager) PurgeExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for id, entry := range m.challenges {
		if entry.challenge.IsExpired(now) {
			m.removeLocked(id)
			removed++
		}
	}
	for id, expiresAt := range m.consumed {
		if !now.Before(expiresAt) {
			delete(m.consumed, id)
		}
	}
	return removed, nil
}

// Len returns the number of outstanding challenges
func (m *MFAChallengeManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.challenges)
}

// removeLocked must be called with m.mu held
func (m *MFAChallengeManager) removeLocked(challengeID string) {
	entry, ok := m.challenges[challengeID]
	if !ok {
		return
	}
	delete(m.challenges, challengeID)

	subject := entry.challenge.SubjectID
	delete(m.bySubject[subject], challengeID)
	if len(m.bySubject[subject]) == 0 {
		delete(m.bySubject, subject)
	}
}
