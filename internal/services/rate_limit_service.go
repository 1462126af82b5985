package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/revguard/internal/auth"
	"github.com/BradenHooton/revguard/internal/models"
	pkglogger "github.com/BradenHooton/revguard/pkg/logger"
)

// Identifier prefixes for non-email rate limit keys
const (
	IPIdentifierPrefix    = "ip_"
	MFAIdentifierPrefix   = "mfa_"
	ResetIdentifierPrefix = "reset_"
)

// AttemptRepository defines the interface for persisting failed-attempt counters
type AttemptRepository interface {
	Upsert(ctx context.Context, attempt *models.AuthAttempt) error
	Delete(ctx context.Context, identifier string) error
	List(ctx context.Context) ([]*models.AuthAttempt, error)
}

// RateLimitConfig holds configuration for rate limiting behavior
type RateLimitConfig struct {
	MaxAttempts     int
	LockoutDuration time.Duration
	Window          time.Duration
}

// RateLimiter counts failed attempts per identifier and locks identifiers out
// after too many failures. All bookkeeping is in memory; every mutation is
// written through to the repository in order.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*models.AuthAttempt

	config    RateLimitConfig
	clock     auth.Clock
	repo      AttemptRepository
	persister Persister
	threats   auth.ThreatRecorder
	logger    *slog.Logger
}

// NewRateLimiter creates a new RateLimiter. repo and persister may be nil for
// a memory-only limiter.
func NewRateLimiter(config RateLimitConfig, clock auth.Clock, repo AttemptRepository, persister Persister, threats auth.ThreatRecorder, logger *slog.Logger) *RateLimiter {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.LockoutDuration <= 0 {
		config.LockoutDuration = 15 * time.Minute
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}

	return &RateLimiter{
		attempts:  make(map[string]*models.AuthAttempt),
		config:    config,
		clock:     clock,
		repo:      repo,
		persister: persister,
		threats:   threats,
		logger:    logger,
	}
}

// CheckAndRecordAttempt records the outcome of one attempt for identifier and
// decides whether it is allowed.
//
// Failures during an active lockout are denied without being counted, so a
// lockout never extends itself.
func (rl *RateLimiter) CheckAndRecordAttempt(identifier string, success bool) models.RateLimitDecision {
	rl.mu.Lock()

	now := rl.clock.Now()
	rec := rl.attempts[identifier]

	if rec != nil && rec.IsLocked(now) {
		decision := rl.deniedLocked(rec)
		rl.mu.Unlock()
		return decision
	}

	if success {
		if rec != nil {
			delete(rl.attempts, identifier)
			rl.persistDelete(identifier)
		}
		rl.mu.Unlock()
		return models.RateLimitDecision{Allowed: true, Remaining: rl.config.MaxAttempts}
	}

	if rec == nil || rec.LockoutElapsed(now) {
		rec = &models.AuthAttempt{Identifier: identifier}
		rl.attempts[identifier] = rec
	}

	rec.Count++
	rec.LastAttemptAt = now

	lockedOut := false
	if rec.Count >= rl.config.MaxAttempts {
		until := now.Add(rl.config.LockoutDuration)
		rec.LockedUntil = &until
		lockedOut = true
	}
	rl.persistUpsert(rec)

	var decision models.RateLimitDecision
	if lockedOut {
		decision = rl.deniedLocked(rec)
	} else {
		decision = models.RateLimitDecision{Allowed: true, Remaining: rl.config.MaxAttempts - rec.Count}
	}
	rl.mu.Unlock()

	if lockedOut {
		rl.logger.Warn("identifier locked out",
			slog.String("identifier", pkglogger.SanitizedIdentifier(identifier)),
			slog.Time("locked_until", *decision.LockedUntil),
		)
		if rl.threats != nil {
			rl.threats.RecordThreat(
				models.ThreatSuspiciousActivity,
				models.SeverityHigh,
				fmt.Sprintf("%d failed attempts, locked for %s", rl.config.MaxAttempts, rl.config.LockoutDuration),
				pkglogger.SanitizedIdentifier(identifier),
			)
		}
	}

	return decision
}

// Check reports whether identifier may attempt authentication without
// recording anything
func (rl *RateLimiter) Check(identifier string) models.RateLimitDecision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	rec := rl.attempts[identifier]
	if rec == nil {
		return models.RateLimitDecision{Allowed: true, Remaining: rl.config.MaxAttempts}
	}
	if rec.IsLocked(now) {
		return rl.deniedLocked(rec)
	}
	if rec.LockoutElapsed(now) {
		return models.RateLimitDecision{Allowed: true, Remaining: rl.config.MaxAttempts}
	}
	if rec.Count >= rl.config.MaxAttempts && now.Sub(rec.LastAttemptAt) < rl.config.Window {
		until := rec.LastAttemptAt.Add(rl.config.Window)
		return models.RateLimitDecision{Allowed: false, LockedUntil: &until}
	}

	remaining := rl.config.MaxAttempts - rec.Count
	if remaining < 0 {
		remaining = 0
	}
	return models.RateLimitDecision{Allowed: true, Remaining: remaining}
}

// Get returns a copy of identifier's record
func (rl *RateLimiter) Get(identifier string) (*models.AuthAttempt, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[identifier]
	if !ok {
		return nil, false
	}
	return copyAttempt(rec), true
}

// Reset drops identifier's record regardless of lockout state
func (rl *RateLimiter) Reset(identifier string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if _, ok := rl.attempts[identifier]; ok {
		delete(rl.attempts, identifier)
		rl.persistDelete(identifier)
	}
}

// Restore loads persisted counters, replacing in-memory state
func (rl *RateLimiter) Restore(ctx context.Context) error {
	if rl.repo == nil {
		return nil
	}

	attempts, err := rl.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load auth attempts: %w", err)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.attempts = make(map[string]*models.AuthAttempt, len(attempts))
	for _, a := range attempts {
		if a.Count < 1 {
			continue
		}
		rl.attempts[a.Identifier] = copyAttempt(a)
	}

	rl.logger.Info("rate limit state restored", slog.Int("identifiers", len(rl.attempts)))
	return nil
}

// PurgeExpired removes elapsed lockouts and unlocked counters that have been
// idle for longer than the lockout duration
func (rl *RateLimiter) PurgeExpired(ctx context.Context) (int, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	removed := 0
	for id, rec := range rl.attempts {
		stale := rec.LockedUntil == nil && now.Sub(rec.LastAttemptAt) >= rl.config.LockoutDuration
		if rec.LockoutElapsed(now) || stale {
			delete(rl.attempts, id)
			rl.persistDelete(id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of tracked identifiers
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.attempts)
}

func (rl *RateLimiter) deniedLocked(rec *models.AuthAttempt) models.RateLimitDecision {
	until := *rec.LockedUntil
	return models.RateLimitDecision{Allowed: false, LockedUntil: &until}
}

// persistUpsert must be called with rl.mu held
func (rl *RateLimiter) persistUpsert(rec *models.AuthAttempt) {
	if rl.repo == nil || rl.persister == nil {
		return
	}
	snapshot := copyAttempt(rec)
	persistRequired(rl.persister, rl.logger, "auth_attempt.upsert", func(ctx context.Context) error {
		return rl.repo.Upsert(ctx, snapshot)
	})
}

// persistDelete must be called with rl.mu held
func (rl *RateLimiter) persistDelete(identifier string) {
	if rl.repo == nil || rl.persister == nil {
		return
	}
	persistRequired(rl.persister, rl.logger, "auth_attempt.delete", func(ctx context.Context) error {
		return rl.repo.Delete(ctx, identifier)
	})
}

func copyAttempt(a *models.AuthAttempt) *models.AuthAttempt {
	c := *a
	if a.LockedUntil != nil {
		until := *a.LockedUntil
		c.LockedUntil = &until
	}
	return &c
}
