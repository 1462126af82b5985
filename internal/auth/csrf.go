package auth

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/BradenHooton/revguard/internal/models"
)

const (
	// DefaultCSRFTokenLength is the default token length in characters
	DefaultCSRFTokenLength = 32
	// DefaultCSRFCapacity bounds how many unused tokens are retained
	DefaultCSRFCapacity = 100

	// rejectedSampleLength bounds the rejected token kept in a threat record
	rejectedSampleLength = 100
)

// ThreatRecorder receives threat detections; implemented by the security event log
type ThreatRecorder interface {
	RecordThreat(kind string, severity models.Severity, description, payload string)
}

// CSRFConfig holds CSRF token settings
type CSRFConfig struct {
	TokenLength int
	Capacity    int
}

// CSRFTokenManager issues single-use anti-forgery tokens.
//
// Active tokens live in a bounded set; once the set exceeds its capacity the
// oldest-issued tokens are evicted, so a very old unused token may be rejected.
type CSRFTokenManager struct {
	mu          sync.Mutex
	validTokens map[string]struct{}
	order       []string // issue order; may hold tokens already consumed
	config      CSRFConfig
	random      RandomSource
	threats     ThreatRecorder
	logger      *slog.Logger
}

// NewCSRFTokenManager creates a new CSRF token manager
func NewCSRFTokenManager(config CSRFConfig, random RandomSource, threats ThreatRecorder, logger *slog.Logger) *CSRFTokenManager {
	if config.TokenLength <= 0 {
		config.TokenLength = DefaultCSRFTokenLength
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultCSRFCapacity
	}

	return &CSRFTokenManager{
		validTokens: make(map[string]struct{}),
		config:      config,
		random:      random,
		threats:     threats,
		logger:      logger,
	}
}

// Issue creates and registers a new token
func (m *CSRFTokenManager) Issue() (string, error) {
	token, err := RandomHex(m.random, m.config.TokenLength)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.validTokens[token] = struct{}{}
	m.order = append(m.order, token)
	m.evictLocked()

	return token, nil
}

// Validate consumes token. It returns true exactly once per issued token.
func (m *CSRFTokenManager) Validate(token string) bool {
	m.mu.Lock()
	_, ok := m.validTokens[token]
	if ok {
		delete(m.validTokens, token)
	}
	m.mu.Unlock()

	if ok {
		return true
	}

	m.logger.Warn("csrf token rejected", slog.Bool("empty", token == ""))
	if m.threats != nil {
		m.threats.RecordThreat(models.ThreatCSRF, models.SeverityHigh, "invalid or reused CSRF token", sample(token, rejectedSampleLength))
	}
	return false
}

// Len returns the number of unused tokens
func (m *CSRFTokenManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.validTokens)
}

// evictLocked drops the oldest tokens beyond capacity and compacts the order queue
func (m *CSRFTokenManager) evictLocked() {
	for len(m.validTokens) > m.config.Capacity && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.validTokens, oldest)
	}

	if len(m.order) > 2*m.config.Capacity {
		live := make([]string, 0, len(m.validTokens))
		for _, token := range m.order {
			if _, ok := m.validTokens[token]; ok {
				live = append(live, token)
			}
		}
		m.order = live
	}
}

// sample returns at most max runes of s
func sample(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
