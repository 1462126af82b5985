package logger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/revguard/internal/models"
)

// AuditLogger writes security events and threat records as structured log lines
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogSecurityEvent logs an authentication event
func (al *AuditLogger) LogSecurityEvent(event models.SecurityEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "auth"),
		slog.String("event_type", event.Kind),
		slog.String("event_id", event.ID),
		slog.String("timestamp", event.Timestamp.UTC().Format(time.RFC3339)),
	}

	if event.SubjectID != "" {
		attrs = append(attrs, slog.String("subject_id", event.SubjectID))
	}
	if event.Identifier != "" {
		attrs = append(attrs, slog.String("identifier", SanitizedIdentifier(event.Identifier)))
	}
	for key, val := range event.Metadata {
		attrs = append(attrs, slog.String(key, fmt.Sprint(val)))
	}

	level := slog.LevelInfo
	switch event.Kind {
	case models.EventFailedLogin, models.EventSuspiciousActivity, models.EventSessionRevoked:
		level = slog.LevelWarn
	}

	al.logger.LogAttrs(context.Background(), level, "audit", attrs...)
}

// LogThreat logs a detected threat. The payload sample is never logged.
func (al *AuditLogger) LogThreat(threat models.ThreatRecord) {
	attrs := []slog.Attr{
		slog.String("audit_type", "threat"),
		slog.String("threat_type", threat.Kind),
		slog.String("threat_id", threat.ID),
		slog.String("severity", threat.Severity.String()),
		slog.String("description", threat.Description),
		slog.String("timestamp", threat.Timestamp.UTC().Format(time.RFC3339)),
	}

	level := slog.LevelWarn
	if threat.Severity >= models.SeverityCritical {
		level = slog.LevelError
	}

	al.logger.LogAttrs(context.Background(), level, "audit", attrs...)
}
