package repositories

import (
	"context"
	"time"

	"github.com/BradenHooton/revguard/internal/database"
	"github.com/BradenHooton/revguard/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionRepository stores sessions in PostgreSQL
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{pool: db.Pool}
}

// Save inserts or replaces a session
func (r *SessionRepository) Save(ctx context.Context, session *models.StoredSession) error {
	query := `
		INSERT INTO sessions (id, subject_id, session_token, fingerprint, created_at, last_activity_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET session_token = EXCLUDED.session_token,
		    last_activity_at = EXCLUDED.last_activity_at,
		    expires_at = EXCLUDED.expires_at
	`

	_, err := r.pool.Exec(ctx, query,
		session.ID,
		session.SubjectID,
		session.SessionToken,
		session.Fingerprint,
		session.CreatedAt,
		session.LastActivityAt,
		session.ExpiresAt,
	)
	return database.MapPostgresError(err)
}

// Update moves activity and token expiry forward on an existing session. It
// never recreates a deleted session and returns models.ErrNotFound instead.
func (r *SessionRepository) Update(ctx context.Context, session *models.StoredSession) error {
	query := `
		UPDATE sessions
		SET last_activity_at = GREATEST(last_activity_at, $2),
		    session_token = CASE WHEN $3 > expires_at THEN $4 ELSE session_token END,
		    expires_at = GREATEST(expires_at, $3)
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query,
		session.ID,
		session.LastActivityAt,
		session.ExpiresAt,
		session.SessionToken,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Get returns the session with id or models.ErrNotFound
func (r *SessionRepository) Get(ctx context.Context, id string) (*models.StoredSession, error) {
	query := `
		SELECT id, subject_id, session_token, fingerprint, created_at, last_activity_at, expires_at
		FROM sessions WHERE id = $1
	`

	var s models.StoredSession
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.SubjectID, &s.SessionToken, &s.Fingerprint,
		&s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &s, nil
}

// Delete removes a session; deleting an unknown id is not an error
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return database.MapPostgresError(err)
}

// DeleteExpired removes sessions created at or before createdBefore or idle
// since idleBefore
func (r *SessionRepository) DeleteExpired(ctx context.Context, createdBefore, idleBefore time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx,
		`DELETE FROM sessions WHERE created_at <= $1 OR last_activity_at <= $2`,
		createdBefore, idleBefore,
	)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
