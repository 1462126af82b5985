package repositories

import (
	"context"
	"fmt"

	"github.com/BradenHooton/revguard/internal/database"
	"github.com/BradenHooton/revguard/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuthAttemptRepository persists rate limiter counters
type AuthAttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAuthAttemptRepository creates a new AuthAttemptRepository
func NewAuthAttemptRepository(db *database.DB) *AuthAttemptRepository {
	return &AuthAttemptRepository{pool: db.Pool}
}

// Upsert stores the current state of an identifier's counter
func (r *AuthAttemptRepository) Upsert(ctx context.Context, attempt *models.AuthAttempt) error {
	query := `
		INSERT INTO auth_attempts (identifier, count, last_attempt_at, locked_until)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identifier) DO UPDATE
		SET count = EXCLUDED.count,
		    last_attempt_at = EXCLUDED.last_attempt_at,
		    locked_until = EXCLUDED.locked_until
	`

	_, err := r.pool.Exec(ctx, query,
		attempt.Identifier,
		attempt.Count,
		attempt.LastAttemptAt,
		attempt.LockedUntil,
	)
	return database.MapPostgresError(err)
}

// Delete removes an identifier's counter
func (r *AuthAttemptRepository) Delete(ctx context.Context, identifier string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM auth_attempts WHERE identifier = $1`, identifier)
	return database.MapPostgresError(err)
}

// List returns every stored counter
func (r *AuthAttemptRepository) List(ctx context.Context) ([]*models.AuthAttempt, error) {
	rows, err := r.pool.Query(ctx, `SELECT identifier, count, last_attempt_at, locked_until FROM auth_attempts`)
	if err != nil {
		return nil, fmt.Errorf("failed to query auth attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]*models.AuthAttempt, 0)
	for rows.Next() {
		var a models.AuthAttempt
		if err := rows.Scan(&a.Identifier, &a.Count, &a.LastAttemptAt, &a.LockedUntil); err != nil {
			return nil, fmt.Errorf("failed to scan auth attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating auth attempt rows: %w", err)
	}

	return attempts, nil
}
