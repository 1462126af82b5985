package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/revguard/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisSessionRepository stores sessions in Redis so several instances can
// share them. Stores sharing it must run with SessionConfig.SharedRepository. Keys expire on their own once a session can no longer be valid.
type RedisSessionRepository struct {
	client          redis.UniversalClient
	prefix          string
	sessionTimeout  time.Duration
	activityTimeout time.Duration
	now             func() time.Time
}

// NewRedisSessionRepository creates a new RedisSessionRepository
func NewRedisSessionRepository(client redis.UniversalClient, prefix string, sessionTimeout, activityTimeout time.Duration) *RedisSessionRepository {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "revguard"
	}

	return &RedisSessionRepository{
		client:          client,
		prefix:          trimmedPrefix,
		sessionTimeout:  sessionTimeout,
		activityTimeout: activityTimeout,
		now:             time.Now,
	}
}

func (r *RedisSessionRepository) key(id string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, id)
}

// ttl is the time until the earlier of the absolute and idle deadlines
func (r *RedisSessionRepository) ttl(session *models.StoredSession) time.Duration {
	now := r.now()
	absolute := session.CreatedAt.Add(r.sessionTimeout).Sub(now)
	idle := session.LastActivityAt.Add(r.activityTimeout).Sub(now)
	return min(absolute, idle)
}

// Save writes the session with a TTL; an already-expired session is deleted instead
func (r *RedisSessionRepository) Save(ctx context.Context, session *models.StoredSession) error {
	ttl := r.ttl(session)
	if ttl <= 0 {
		return r.Delete(ctx, session.ID)
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if err := r.client.Set(ctx, r.key(session.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Update rewrites a session only while its key still exists, so a write that
// lands after a revocation on another instance cannot bring it back
func (r *RedisSessionRepository) Update(ctx context.Context, session *models.StoredSession) error {
	ttl := r.ttl(session)
	if ttl <= 0 {
		return r.Delete(ctx, session.ID)
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	updated, err := r.client.SetXX(ctx, r.key(session.ID), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if !updated {
		return models.ErrNotFound
	}
	return nil
}

// Get returns the session with id or models.ErrNotFound
func (r *RedisSessionRepository) Get(ctx context.Context, id string) (*models.StoredSession, error) {
	payload, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session models.StoredSession
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// Delete removes a session
func (r *RedisSessionRepository) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op; Redis evicts expired keys itself
func (r *RedisSessionRepository) DeleteExpired(ctx context.Context, createdBefore, idleBefore time.Time) (int64, error) {
	return 0, nil
}

// Ping checks connectivity
func (r *RedisSessionRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
