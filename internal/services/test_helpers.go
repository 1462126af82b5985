package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/revguard/internal/auth"
	"github.com/BradenHooton/revguard/internal/background"
	"github.com/BradenHooton/revguard/internal/models"
)

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	GetByIDFunc    func(ctx context.Context, id string) (*models.User, error)
	GetByEmailFunc func(ctx context.Context, email string) (*models.User, error)
	CreateFunc     func(ctx context.Context, user *models.User) (*models.User, error)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	return nil, models.ErrInternalServer
}

// MockAttemptRepository is an in-memory AttemptRepository
type MockAttemptRepository struct {
	mu       sync.Mutex
	Attempts map[string]models.AuthAttempt
	ListErr  error
}

func NewMockAttemptRepository() *MockAttemptRepository {
	return &MockAttemptRepository{Attempts: make(map[string]models.AuthAttempt)}
}

func (m *MockAttemptRepository) Upsert(ctx context.Context, attempt *models.AuthAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Attempts[attempt.Identifier] = *attempt
	return nil
}

func (m *MockAttemptRepository) Delete(ctx context.Context, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Attempts, identifier)
	return nil
}

func (m *MockAttemptRepository) List(ctx context.Context) ([]*models.AuthAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	result := make([]*models.AuthAttempt, 0, len(m.Attempts))
	for _, a := range m.Attempts {
		a := a
		result = append(result, &a)
	}
	return result, nil
}

func (m *MockAttemptRepository) Get(identifier string) (models.AuthAttempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Attempts[identifier]
	return a, ok
}

// MockSessionRepository is an in-memory SessionRepository
type MockSessionRepository struct {
	mu       sync.Mutex
	Sessions map[string]models.StoredSession
	GetErr   error
	Saves    int
}

func NewMockSessionRepository() *MockSessionRepository {
	return &MockSessionRepository{Sessions: make(map[string]models.StoredSession)}
}

func (m *MockSessionRepository) Save(ctx context.Context, session *models.StoredSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions[session.ID] = *session
	m.Saves++
	return nil
}

func (m *MockSessionRepository) Update(ctx context.Context, session *models.StoredSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Sessions[session.ID]; !ok {
		return models.ErrNotFound
	}
	m.Sessions[session.ID] = *session
	m.Saves++
	return nil
}

func (m *MockSessionRepository) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Sessions[id]
	return ok
}

func (m *MockSessionRepository) Get(ctx context.Context, id string) (*models.StoredSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	s, ok := m.Sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &s, nil
}

func (m *MockSessionRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sessions, id)
	return nil
}

func (m *MockSessionRepository) DeleteExpired(ctx context.Context, createdBefore, idleBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.Sessions {
		if !s.CreatedAt.After(createdBefore) || !s.LastActivityAt.After(idleBefore) {
			delete(m.Sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MockSessionRepository) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Saves
}

// MockSecurityEventRepository records persisted entries
type MockSecurityEventRepository struct {
	mu      sync.Mutex
	Events  []models.SecurityEvent
	Threats []models.ThreatRecord
	Cutoffs []time.Time
}

func (m *MockSecurityEventRepository) InsertEvent(ctx context.Context, event *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, *event)
	return nil
}

func (m *MockSecurityEventRepository) InsertThreat(ctx context.Context, threat *models.ThreatRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Threats = append(m.Threats, *threat)
	return nil
}

func (m *MockSecurityEventRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cutoffs = append(m.Cutoffs, before)
	return 0, nil
}

func (m *MockSecurityEventRepository) RecentEvents(ctx context.Context, since time.Time, limit int) ([]models.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]models.SecurityEvent, 0)
	for _, e := range m.Events {
		if !e.Timestamp.Before(since) {
			result = append(result, e)
		}
	}
	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (m *MockSecurityEventRepository) RecentThreats(ctx context.Context, since time.Time, limit int) ([]models.ThreatRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]models.ThreatRecord, 0)
	for _, t := range m.Threats {
		if !t.Timestamp.Before(since) {
			result = append(result, t)
		}
	}
	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// MockIdentityProvider implements IdentityProvider for testing
type MockIdentityProvider struct {
	AuthenticateFunc   func(ctx context.Context, email, password string) (*IdentityResult, error)
	RefreshSessionFunc func(ctx context.Context, token string) (string, time.Time, error)
	CurrentUserFunc    func(ctx context.Context, token string) (string, error)
	MFAEnabledFunc     func(ctx context.Context, subjectID string) (bool, error)
}

func (m *MockIdentityProvider) Authenticate(ctx context.Context, email, password string) (*IdentityResult, error) {
	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(ctx, email, password)
	}
	return nil, models.ErrInvalidCredentials
}

func (m *MockIdentityProvider) RefreshSession(ctx context.Context, token string) (string, time.Time, error) {
	if m.RefreshSessionFunc != nil {
		return m.RefreshSessionFunc(ctx, token)
	}
	return "", time.Time{}, models.ErrIdentityTokenExpired
}

func (m *MockIdentityProvider) CurrentUser(ctx context.Context, token string) (string, error) {
	if m.CurrentUserFunc != nil {
		return m.CurrentUserFunc(ctx, token)
	}
	return "", models.ErrUnauthorized
}

func (m *MockIdentityProvider) MFAEnabled(ctx context.Context, subjectID string) (bool, error) {
	if m.MFAEnabledFunc != nil {
		return m.MFAEnabledFunc(ctx, subjectID)
	}
	return false, nil
}

// MockMFACodeSender captures delivered codes
type MockMFACodeSender struct {
	mu    sync.Mutex
	Codes map[string]string // subject -> last code
	Err   error
}

func (m *MockMFACodeSender) SendMFACode(ctx context.Context, subjectID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Codes == nil {
		m.Codes = make(map[string]string)
	}
	m.Codes[subjectID] = code
	return m.Err
}

func (m *MockMFACodeSender) CodeFor(subjectID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Codes[subjectID]
}

// inlinePersister runs writes synchronously
type inlinePersister struct{}

func (inlinePersister) Enqueue(name string, fn background.WriteFunc) bool {
	_ = fn(context.Background())
	return true
}

func (inlinePersister) EnqueueWait(ctx context.Context, name string, fn background.WriteFunc) error {
	_ = fn(ctx)
	return nil
}

// fullPersister behaves like a writer whose queue is always full. Writes that
// wait for room are held until Drain.
type fullPersister struct {
	mu      sync.Mutex
	dropped []string
	waiting []background.WriteFunc
	stopped bool
}

func (p *fullPersister) Enqueue(name string, fn background.WriteFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropped = append(p.dropped, name)
	return false
}

func (p *fullPersister) EnqueueWait(ctx context.Context, name string, fn background.WriteFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return background.ErrWriterStopped
	}
	p.waiting = append(p.waiting, fn)
	return nil
}

// Drain runs every write that waited for room, in order
func (p *fullPersister) Drain() {
	p.mu.Lock()
	waiting := p.waiting
	p.waiting = nil
	p.mu.Unlock()

	for _, fn := range waiting {
		_ = fn(context.Background())
	}
}

// testThreatRecorder collects threats without the event log
type testThreatRecorder struct {
	mu      sync.Mutex
	threats []models.ThreatRecord
}

func (r *testThreatRecorder) RecordThreat(kind string, severity models.Severity, description, payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threats = append(r.threats, models.ThreatRecord{Kind: kind, Severity: severity, Description: description, PayloadSample: payload})
}

func (r *testThreatRecorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.threats {
		if t.Kind == kind {
			n++
		}
	}
	return n
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testEpoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// NewTestUser builds an active user
func NewTestUser(id, email, name string) *models.User {
	return &models.User{
		ID:        id,
		Email:     email,
		Name:      name,
		Status:    "active",
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
}

func testFingerprint() models.SessionFingerprint {
	return models.SessionFingerprint{
		UserAgent:        "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0)",
		Timezone:         "America/Chicago",
		Platform:         "MacIntel",
		Language:         "en-US",
		ScreenResolution: "1728x1117",
	}
}

// testAuthEnv is a fully wired AuthService over in-memory collaborators
type testAuthEnv struct {
	clock    *auth.FakeClock
	identity *MockIdentityProvider
	sender   *MockMFACodeSender
	attempts *MockAttemptRepository
	sessRepo *MockSessionRepository
	events   *SecurityEventLog
	limiter  *RateLimiter
	sessions *SessionStore
	mfa      *MFAChallengeManager
	service  *AuthService
}

func newTestAuthEnv(identity *MockIdentityProvider) *testAuthEnv {
	clock := auth.NewFakeClock(testEpoch)
	random := auth.NewSeededRandom(2026)
	logger := newTestLogger()

	env := &testAuthEnv{
		clock:    clock,
		identity: identity,
		sender:   &MockMFACodeSender{},
		attempts: NewMockAttemptRepository(),
		sessRepo: NewMockSessionRepository(),
	}

	env.events = NewSecurityEventLog(EventLogConfig{}, clock, random, nil, nil, logger)
	env.limiter = NewRateLimiter(RateLimitConfig{}, clock, env.attempts, inlinePersister{}, env.events, logger)
	env.sessions = NewSessionStore(SessionConfig{}, SessionStoreDeps{
		Clock:     clock,
		Random:    random,
		Repo:      env.sessRepo,
		Persister: inlinePersister{},
		Refresher: identity,
		Events:    env.events,
		Threats:   env.events,
		Logger:    logger,
	})
	env.mfa = NewMFAChallengeManager(MFAConfig{}, clock, random, logger)

	env.service = NewAuthService(AuthConfig{}, AuthServiceDeps{
		Identity: identity,
		Limiter:  env.limiter,
		Sessions: env.sessions,
		MFA:      env.mfa,
		CSRF:     auth.NewCSRFTokenManager(auth.CSRFConfig{}, random, env.events, logger),
		Detector: NewThreatDetector(0, env.events, logger),
		Events:   env.events,
		Sender:   env.sender,
		Clock:    clock,
		Logger:   logger,
	})

	return env
}
