package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BradenHooton/revguard/internal/database"
	"github.com/BradenHooton/revguard/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	categoryEvent  = "event"
	categoryThreat = "threat"
)

// SecurityEventRepository stores security events and threat records in one
// table, partitioned by category
type SecurityEventRepository struct {
	pool *pgxpool.Pool
}

// NewSecurityEventRepository creates a new SecurityEventRepository
func NewSecurityEventRepository(db *database.DB) *SecurityEventRepository {
	return &SecurityEventRepository{pool: db.Pool}
}

// InsertEvent appends an authentication event
func (r *SecurityEventRepository) InsertEvent(ctx context.Context, event *models.SecurityEvent) error {
	id := event.ID
	if id == "" {
		id = uuid.New().String()
	}

	query := `
		INSERT INTO security_events (id, category, kind, subject_id, identifier, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		id, categoryEvent, event.Kind, event.SubjectID, event.Identifier, event.Metadata, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", database.MapPostgresError(err))
	}
	return nil
}

// InsertThreat appends a threat record
func (r *SecurityEventRepository) InsertThreat(ctx context.Context, threat *models.ThreatRecord) error {
	id := threat.ID
	if id == "" {
		id = uuid.New().String()
	}

	query := `
		INSERT INTO security_events (id, category, kind, severity, description, payload_sample, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		id, categoryThreat, threat.Kind, threat.Severity.String(), threat.Description, threat.PayloadSample, threat.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert threat record: %w", database.MapPostgresError(err))
	}
	return nil
}

// DeleteOlderThan removes every entry created before the cutoff
func (r *SecurityEventRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM security_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}

// RecentEvents returns up to limit events created at or after since, oldest first
func (r *SecurityEventRepository) RecentEvents(ctx context.Context, since time.Time, limit int) ([]models.SecurityEvent, error) {
	query := `
		SELECT id, kind, subject_id, identifier, metadata, created_at FROM (
			SELECT id, kind, subject_id, identifier, metadata, created_at
			FROM security_events
			WHERE category = $1 AND created_at >= $2
			ORDER BY created_at DESC
			LIMIT $3
		) recent ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, categoryEvent, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}

	return scanAll(rows, func(row pgx.Rows) (models.SecurityEvent, error) {
		var e models.SecurityEvent
		var metadata []byte
		if err := row.Scan(&e.ID, &e.Kind, &e.SubjectID, &e.Identifier, &metadata, &e.Timestamp); err != nil {
			return e, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return e, fmt.Errorf("invalid metadata for event %s: %w", e.ID, err)
			}
		}
		return e, nil
	})
}

// RecentThreats returns up to limit threat records created at or after since, oldest first
func (r *SecurityEventRepository) RecentThreats(ctx context.Context, since time.Time, limit int) ([]models.ThreatRecord, error) {
	query := `
		SELECT id, kind, severity, description, payload_sample, created_at FROM (
			SELECT id, kind, severity, description, payload_sample, created_at
			FROM security_events
			WHERE category = $1 AND created_at >= $2
			ORDER BY created_at DESC
			LIMIT $3
		) recent ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, categoryThreat, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query threat records: %w", err)
	}

	return scanAll(rows, func(row pgx.Rows) (models.ThreatRecord, error) {
		var t models.ThreatRecord
		var severity string
		if err := row.Scan(&t.ID, &t.Kind, &severity, &t.Description, &t.PayloadSample, &t.Timestamp); err != nil {
			return t, err
		}
		sev, ok := models.ParseSeverity(severity)
		if !ok {
			return t, fmt.Errorf("unknown severity %q for threat %s", severity, t.ID)
		}
		t.Severity = sev
		return t, nil
	})
}

func scanAll[T any](rows pgx.Rows, scan func(pgx.Rows) (T, error)) ([]T, error) {
	defer rows.Close()

	result := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}
