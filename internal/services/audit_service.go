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

// SecurityEventRepository persists security events and threat records
type SecurityEventRepository interface {
	InsertEvent(ctx context.Context, event *models.SecurityEvent) error
	InsertThreat(ctx context.Context, threat *models.ThreatRecord) error
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
	RecentEvents(ctx context.Context, since time.Time, limit int) ([]models.SecurityEvent, error)
	RecentThreats(ctx context.Context, since time.Time, limit int) ([]models.ThreatRecord, error)
}

// EventLogConfig holds retention settings, applied to each partition
type EventLogConfig struct {
	MaxEntries int
	MaxAge     time.Duration
}

// SecurityEventLog is the append-only audit trail of authentication events
// and detected threats.
//
// Recording never fails the caller: every entry is written to the audit log
// line immediately and persisted best effort in the background.
type SecurityEventLog struct {
	mu      sync.Mutex
	events  []models.SecurityEvent
	threats []models.ThreatRecord

	config    EventLogConfig
	clock     auth.Clock
	random    auth.RandomSource
	repo      SecurityEventRepository
	persister Persister
	audit     *pkglogger.AuditLogger
	logger    *slog.Logger
}

// NewSecurityEventLog creates a new SecurityEventLog. repo and persister may be nil.
func NewSecurityEventLog(config EventLogConfig, clock auth.Clock, random auth.RandomSource, repo SecurityEventRepository, persister Persister, logger *slog.Logger) *SecurityEventLog {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1000
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}

	return &SecurityEventLog{
		config:    config,
		clock:     clock,
		random:    random,
		repo:      repo,
		persister: persister,
		audit:     pkglogger.NewAuditLogger(logger),
		logger:    logger,
	}
}

// Restore loads the entries still inside the retention window from the
// repository. It is meant to run once at startup, before recording begins.
func (l *SecurityEventLog) Restore(ctx context.Context) error {
	if l.repo == nil {
		return nil
	}

	since := l.clock.Now().Add(-l.config.MaxAge)
	events, err := l.repo.RecentEvents(ctx, since, l.config.MaxEntries)
	if err != nil {
		return fmt.Errorf("failed to restore security events: %w", err)
	}
	threats, err := l.repo.RecentThreats(ctx, since, l.config.MaxEntries)
	if err != nil {
		return fmt.Errorf("failed to restore threat records: %w", err)
	}

	l.mu.Lock()
	l.events = append(events, l.events...)
	l.threats = append(threats, l.threats...)
	l.events = pruneByAge(l.events, func(e models.SecurityEvent) time.Time { return e.Timestamp }, since, l.config.MaxEntries)
	l.threats = pruneByAge(l.threats, func(t models.ThreatRecord) time.Time { return t.Timestamp }, since, l.config.MaxEntries)
	l.mu.Unlock()

	l.logger.Info("security event log restored",
		slog.Int("events", len(events)),
		slog.Int("threats", len(threats)),
	)
	return nil
}

// RecordEvent appends an authentication event. IDs and timestamps are
// assigned under the lock so the log stays in timestamp order.
func (l *SecurityEventLog) RecordEvent(kind, subjectID, identifier string, metadata models.EventMetadata) {
	l.mu.Lock()
	event := models.SecurityEvent{
		ID:         l.newID(),
		Kind:       kind,
		SubjectID:  subjectID,
		Identifier: identifier,
		Timestamp:  l.clock.Now(),
		Metadata:   metadata,
	}

	l.events = append(l.events, event)
	if over := len(l.events) - l.config.MaxEntries; over > 0 {
		l.events = append(l.events[:0], l.events[over:]...)
	}

	if l.repo != nil && l.persister != nil {
		l.persister.Enqueue("security_event.insert", func(ctx context.Context) error {
			return l.repo.InsertEvent(ctx, &event)
		})
	}
	l.mu.Unlock()

	l.audit.LogSecurityEvent(event)
}

// RecordThreat appends a threat record
func (l *SecurityEventLog) RecordThreat(kind string, severity models.Severity, description, payload string) {
	l.mu.Lock()
	threat := models.ThreatRecord{
		ID:            l.newID(),
		Kind:          kind,
		Severity:      severity,
		Description:   description,
		Timestamp:     l.clock.Now(),
		PayloadSample: payload,
	}

	l.threats = append(l.threats, threat)
	if over := len(l.threats) - l.config.MaxEntries; over > 0 {
		l.threats = append(l.threats[:0], l.threats[over:]...)
	}

	if l.repo != nil && l.persister != nil {
		l.persister.Enqueue("security_threat.insert", func(ctx context.Context) error {
			return l.repo.InsertThreat(ctx, &threat)
		})
	}
	l.mu.Unlock()

	l.audit.LogThreat(threat)
}

// Events returns copies of the events matching filter, oldest first. A
// positive filter.Limit keeps only the most recent matches.
func (l *SecurityEventLog) Events(filter models.SecurityEventFilter) []models.SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]models.SecurityEvent, 0)
	for i := range l.events {
		if filter.Matches(&l.events[i]) {
			event := l.events[i]
			event.Metadata = copyMetadata(event.Metadata)
			result = append(result, event)
		}
	}

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result
}

// Threats returns copies of the threat records at or above minSeverity, oldest first
func (l *SecurityEventLog) Threats(minSeverity models.Severity) []models.ThreatRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]models.ThreatRecord, 0)
	for _, threat := range l.threats {
		if threat.Severity >= minSeverity {
			result = append(result, threat)
		}
	}
	return result
}

// Prune applies the age and size retention to both partitions and deletes
// expired rows from the repository
func (l *SecurityEventLog) Prune(ctx context.Context) (int, error) {
	l.mu.Lock()
	cutoff := l.clock.Now().Add(-l.config.MaxAge)
	before := len(l.events) + len(l.threats)

	l.events = pruneByAge(l.events, func(e models.SecurityEvent) time.Time { return e.Timestamp }, cutoff, l.config.MaxEntries)
	l.threats = pruneByAge(l.threats, func(t models.ThreatRecord) time.Time { return t.Timestamp }, cutoff, l.config.MaxEntries)

	removed := before - len(l.events) - len(l.threats)
	l.mu.Unlock()

	if l.repo == nil {
		return removed, nil
	}

	deleted, err := l.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return removed, fmt.Errorf("failed to delete expired security events: %w", err)
	}
	return removed + int(deleted), nil
}

// pruneByAge drops entries older than cutoff and then the oldest entries beyond max
func pruneByAge[T any](entries []T, timestamp func(T) time.Time, cutoff time.Time, max int) []T {
	kept := entries[:0]
	for _, entry := range entries {
		if !timestamp(entry).Before(cutoff) {
			kept = append(kept, entry)
		}
	}
	if over := len(kept) - max; over > 0 {
		kept = append(kept[:0], kept[over:]...)
	}
	return kept
}

func (l *SecurityEventLog) newID() string {
	id, err := auth.RandomID(l.random)
	if err != nil {
		l.logger.Error("failed to generate security event id", slog.Any("error", err))
		return ""
	}
	return id
}

func copyMetadata(m models.EventMetadata) models.EventMetadata {
	if m == nil {
		return nil
	}
	c := make(models.EventMetadata, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
