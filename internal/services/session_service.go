package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/revguard/internal/auth"
	"github.com/BradenHooton/revguard/internal/models"
	"golang.org/x/sync/singleflight"
)

// SessionRepository is the durable backing store for sessions. Implementations
// return models.ErrNotFound for unknown ids. Update must never recreate a
// deleted session.
type SessionRepository interface {
	Save(ctx context.Context, session *models.StoredSession) error
	Update(ctx context.Context, session *models.StoredSession) error
	Get(ctx context.Context, id string) (*models.StoredSession, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, createdBefore, idleBefore time.Time) (int64, error)
}

// SessionRefresher renews identity-provider tokens
type SessionRefresher interface {
	RefreshSession(ctx context.Context, token string) (string, time.Time, error)
}

// EventRecorder receives security events; implemented by the security event log
type EventRecorder interface {
	RecordEvent(kind, subjectID, identifier string, metadata models.EventMetadata)
}

// SessionConfig holds session lifetime settings
type SessionConfig struct {
	SessionTimeout          time.Duration // absolute lifetime
	ActivityTimeout         time.Duration // idle lifetime
	RefreshThreshold        time.Duration
	IdentityTimeout         time.Duration
	ActivityPersistInterval time.Duration

	// SharedRepository is set when other instances write the same repository.
	// Cached sessions are then reconciled with the repository on every
	// validation.
	SharedRepository bool
}

// SessionStore owns the server-side session records.
//
// Sessions are cached in memory and written through to the repository; a
// memory miss reads through so sessions survive a restart.
type SessionStore struct {
	mu        sync.Mutex
	sessions  map[string]*models.StoredSession
	persisted map[string]time.Time // last persisted activity per session
	revoked   map[string]time.Time // tombstones so read-through never resurrects a revoked session

	// stored holds ids known to have reached the repository. Writes update it
	// from the writer goroutine, so it is not guarded by mu.
	stored    sync.Map
	refreshes singleflight.Group

	config    SessionConfig
	clock     auth.Clock
	random    auth.RandomSource
	validator *auth.FingerprintValidator
	repo      SessionRepository
	persister Persister
	refresher SessionRefresher
	events    EventRecorder
	threats   auth.ThreatRecorder
	logger    *slog.Logger

	refreshWG sync.WaitGroup
}

// SessionStoreDeps groups the collaborators of a SessionStore
type SessionStoreDeps struct {
	Clock     auth.Clock
	Random    auth.RandomSource
	Repo      SessionRepository
	Persister Persister
	Refresher SessionRefresher
	Events    EventRecorder
	Threats   auth.ThreatRecorder
	Logger    *slog.Logger
}

// NewSessionStore creates a new SessionStore
func NewSessionStore(config SessionConfig, deps SessionStoreDeps) *SessionStore {
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = 24 * time.Hour
	}
	if config.ActivityTimeout <= 0 {
		config.ActivityTimeout = 30 * time.Minute
	}
	if config.RefreshThreshold <= 0 {
		config.RefreshThreshold = 5 * time.Minute
	}
	if config.IdentityTimeout <= 0 {
		config.IdentityTimeout = 10 * time.Second
	}
	if config.ActivityPersistInterval <= 0 {
		config.ActivityPersistInterval = time.Minute
	}

	return &SessionStore{
		sessions:  make(map[string]*models.StoredSession),
		persisted: make(map[string]time.Time),
		revoked:   make(map[string]time.Time),
		config:    config,
		clock:     deps.Clock,
		random:    deps.Random,
		validator: auth.NewFingerprintValidator(),
		repo:      deps.Repo,
		persister: deps.Persister,
		refresher: deps.Refresher,
		events:    deps.Events,
		threats:   deps.Threats,
		logger:    deps.Logger,
	}
}

// Create starts a new session for subjectID
func (s *SessionStore) Create(subjectID, token string, expiresAt time.Time, fingerprint models.SessionFingerprint) (*models.StoredSession, error) {
	id, err := auth.RandomID(s.random)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	now := s.clock.Now()
	session := &models.StoredSession{
		ID:             id,
		SubjectID:      subjectID,
		SessionToken:   token,
		Fingerprint:    fingerprint,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      expiresAt,
	}

	s.mu.Lock()
	s.sessions[id] = session
	s.persisted[id] = now
	s.persistSave(session)
	result := *session
	s.mu.Unlock()

	return &result, nil
}

// Validate checks absolute age, inactivity and fingerprint in that order. The
// first failing check deletes the session. A session close to its token expiry
// is refreshed in the background.
func (s *SessionStore) Validate(ctx context.Context, id string, fingerprint models.SessionFingerprint) (*models.StoredSession, error) {
	if err := s.syncFromRepository(ctx, id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	session, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", models.ErrSessionExpired, models.ErrSessionNotFound)
	}

	now := s.clock.Now()
	reason := ""
	var verr error
	switch {
	case now.Sub(session.CreatedAt) >= s.config.SessionTimeout:
		reason, verr = models.SessionEndAbsoluteTimeout, models.ErrSessionExpired
	case now.Sub(session.LastActivityAt) >= s.config.ActivityTimeout:
		reason, verr = models.SessionEndInactivityTimeout, models.ErrSessionExpired
	case !s.validator.Matches(session.Fingerprint, fingerprint):
		reason, verr = models.SessionEndFingerprintMismatch, models.ErrFingerprintMismatch
	}

	if verr != nil {
		ended := *session
		s.removeLocked(id, now)
		s.mu.Unlock()
		s.recordEnd(&ended, reason)
		return nil, verr
	}

	refresh := s.refresher != nil && session.ExpiresAt.Sub(now) < s.config.RefreshThreshold
	result := *session
	s.mu.Unlock()

	if refresh {
		s.startRefresh(ctx, id)
	}

	return &result, nil
}

// syncFromRepository reads id through from the repository when it is not
// cached. With a shared repository a cached copy is reconciled as well, so
// revocation and activity on other instances are seen here.
func (s *SessionStore) syncFromRepository(ctx context.Context, id string) error {
	s.mu.Lock()
	_, cached := s.sessions[id]
	_, tombstoned := s.revoked[id]
	s.mu.Unlock()

	if tombstoned || s.repo == nil || (cached && !s.config.SharedRepository) {
		return nil
	}

	remote, err := s.repo.Get(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to load session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, tombstoned := s.revoked[id]; tombstoned {
		return nil
	}
	session, cached := s.sessions[id]

	switch {
	case remote == nil && cached:
		// Gone after it was stored: revoked or expired elsewhere
		if _, stored := s.stored.Load(id); stored {
			delete(s.sessions, id)
			delete(s.persisted, id)
			s.revoked[id] = s.clock.Now()
			s.logger.Debug("session removed by another instance", slog.String("session_id", id))
		}
	case remote == nil:
	case !cached:
		s.sessions[id] = remote
		s.persisted[id] = remote.LastActivityAt
		s.stored.Store(id, struct{}{})
	default:
		mergeSession(session, remote)
		if remote.LastActivityAt.After(s.persisted[id]) {
			s.persisted[id] = remote.LastActivityAt
		}
		s.stored.Store(id, struct{}{})
	}
	return nil
}

// mergeSession keeps the later activity and the later token of two copies
func mergeSession(local, remote *models.StoredSession) {
	if remote.LastActivityAt.After(local.LastActivityAt) {
		local.LastActivityAt = remote.LastActivityAt
	}
	if remote.ExpiresAt.After(local.ExpiresAt) {
		local.SessionToken = remote.SessionToken
		local.ExpiresAt = remote.ExpiresAt
	}
}

// startRefresh renews the token in the background. Concurrent callers for the
// same session share one identity-provider call.
func (s *SessionStore) startRefresh(ctx context.Context, id string) {
	s.refreshWG.Add(1)
	result := s.refreshes.DoChan(id, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.IdentityTimeout)
		defer cancel()

		err := s.Refresh(refreshCtx, id)
		if err != nil && !errors.Is(err, models.ErrSessionExpired) && !errors.Is(err, models.ErrSessionNotFound) {
			s.logger.Warn("session refresh failed, will retry on next validation",
				slog.String("session_id", id),
				slog.Any("error", err),
			)
		}
		return nil, err
	})

	go func() {
		defer s.refreshWG.Done()
		<-result
	}()
}

// Refresh renews the identity-provider token of session id. An expired token
// revokes the session.
func (s *SessionStore) Refresh(ctx context.Context, id string) error {
	if s.refresher == nil {
		return nil
	}

	s.mu.Lock()
	session, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return models.ErrSessionNotFound
	}
	token := session.SessionToken
	s.mu.Unlock()

	newToken, expiresAt, err := s.refresher.RefreshSession(ctx, token)
	if err != nil {
		if errors.Is(err, models.ErrIdentityTokenExpired) {
			s.Revoke(ctx, id, models.SessionEndRefreshExpired)
			return models.ErrSessionExpired
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %w", models.ErrIdentityUnavailable, err)
		}
		return fmt.Errorf("failed to refresh session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok = s.sessions[id]
	if !ok {
		return models.ErrSessionNotFound
	}
	session.SessionToken = newToken
	session.ExpiresAt = expiresAt
	s.persistUpdate(session, true)

	s.logger.Debug("session refreshed", slog.String("session_id", id), slog.Time("expires_at", expiresAt))
	return nil
}

// WaitForRefreshes blocks until background refreshes have finished
func (s *SessionStore) WaitForRefreshes() {
	s.refreshWG.Wait()
}

// RecordActivity marks the session as active now. It never performs I/O;
// the persisted copy is updated at most once per ActivityPersistInterval.
func (s *SessionStore) RecordActivity(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return
	}

	now := s.clock.Now()
	// An already-expired session stays expired until validation removes it
	if s.expired(session, now) {
		return
	}

	session.LastActivityAt = now
	if now.Sub(s.persisted[id]) >= s.config.ActivityPersistInterval {
		s.persisted[id] = now
		s.persistUpdate(session, false)
	}
}

// Revoke deletes session id immediately
func (s *SessionStore) Revoke(ctx context.Context, id, reason string) {
	s.mu.Lock()
	session, ok := s.sessions[id]
	var ended models.StoredSession
	if ok {
		ended = *session
	}
	s.removeLocked(id, s.clock.Now())
	s.mu.Unlock()

	if ok {
		s.recordEnd(&ended, reason)
	}
}

// Get returns a copy of a cached session without validating it
func (s *SessionStore) Get(id string) (*models.StoredSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	result := *session
	return &result, true
}

// PurgeExpired removes sessions past their absolute or idle lifetime from
// memory and from the repository
func (s *SessionStore) PurgeExpired(ctx context.Context) (int, error) {
	if s.config.SharedRepository && s.repo != nil {
		// Another instance may have seen activity this cache has not
		for _, id := range s.expiredIDs() {
			if err := s.syncFromRepository(ctx, id); err != nil {
				return 0, err
			}
		}
	}

	s.mu.Lock()
	now := s.clock.Now()
	var ended []models.StoredSession
	for id, session := range s.sessions {
		if s.expired(session, now) {
			ended = append(ended, *session)
			s.removeLocked(id, now)
		}
	}
	for id, at := range s.revoked {
		if now.Sub(at) >= s.config.SessionTimeout {
			delete(s.revoked, id)
			s.stored.Delete(id)
		}
	}
	s.mu.Unlock()

	for i := range ended {
		s.recordEnd(&ended[i], expiryReason(&ended[i], now, s.config.SessionTimeout))
	}

	removed := len(ended)
	if s.repo != nil {
		deleted, err := s.repo.DeleteExpired(ctx, now.Add(-s.config.SessionTimeout), now.Add(-s.config.ActivityTimeout))
		if err != nil {
			return removed, fmt.Errorf("failed to delete expired sessions: %w", err)
		}
		removed += int(deleted)
	}
	return removed, nil
}

func (s *SessionStore) expiredIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var ids []string
	for id, session := range s.sessions {
		if s.expired(session, now) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *SessionStore) expired(session *models.StoredSession, now time.Time) bool {
	return now.Sub(session.CreatedAt) >= s.config.SessionTimeout || now.Sub(session.LastActivityAt) >= s.config.ActivityTimeout
}

// Len returns the number of cached sessions
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// removeLocked must be called with s.mu held
func (s *SessionStore) removeLocked(id string, now time.Time) {
	delete(s.sessions, id)
	delete(s.persisted, id)
	s.revoked[id] = now
	s.persistDelete(id)
}

func (s *SessionStore) recordEnd(session *models.StoredSession, reason string) {
	kind := models.EventSessionRevoked
	if reason == models.SessionEndAbsoluteTimeout || reason == models.SessionEndInactivityTimeout {
		kind = models.EventSessionExpired
	}

	s.logger.Info("session ended",
		slog.String("session_id", session.ID),
		slog.String("subject_id", session.SubjectID),
		slog.String("reason", reason),
	)

	if s.events != nil {
		s.events.RecordEvent(kind, session.SubjectID, "", models.EventMetadata{
			"session_id": session.ID,
			"reason":     reason,
		})
	}

	if reason == models.SessionEndFingerprintMismatch && s.threats != nil {
		s.threats.RecordThreat(
			models.ThreatSuspiciousActivity,
			models.SeverityHigh,
			"session fingerprint mismatch, possible hijacking",
			session.ID,
		)
	}
}

func expiryReason(session *models.StoredSession, now time.Time, absolute time.Duration) string {
	if now.Sub(session.CreatedAt) >= absolute {
		return models.SessionEndAbsoluteTimeout
	}
	return models.SessionEndInactivityTimeout
}

// persistSave must be called with s.mu held
func (s *SessionStore) persistSave(session *models.StoredSession) {
	if s.repo == nil || s.persister == nil {
		return
	}
	snapshot := *session
	persistRequired(s.persister, s.logger, "session.save", func(ctx context.Context) error {
		if err := s.repo.Save(ctx, &snapshot); err != nil {
			return err
		}
		s.stored.Store(snapshot.ID, struct{}{})
		return nil
	})
}

// persistUpdate must be called with s.mu held. Activity updates may be
// dropped when the queue is full; token updates may not.
func (s *SessionStore) persistUpdate(session *models.StoredSession, required bool) {
	if s.repo == nil || s.persister == nil {
		return
	}
	snapshot := *session
	write := func(ctx context.Context) error {
		err := s.repo.Update(ctx, &snapshot)
		if errors.Is(err, models.ErrNotFound) {
			// Removed elsewhere; validation will notice
			return nil
		}
		if err != nil {
			return err
		}
		s.stored.Store(snapshot.ID, struct{}{})
		return nil
	}

	if required {
		persistRequired(s.persister, s.logger, "session.update", write)
		return
	}
	s.persister.Enqueue("session.update", write)
}

// persistDelete must be called with s.mu held
func (s *SessionStore) persistDelete(id string) {
	if s.repo == nil || s.persister == nil {
		return
	}
	persistRequired(s.persister, s.logger, "session.delete", func(ctx context.Context) error {
		return s.repo.Delete(ctx, id)
	})
}
