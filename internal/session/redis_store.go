package session

import (
	"context"
	"fmt"
	"time"

	"mpesa-bot/internal/cache"
)

const defaultSessionTTL = 24 * time.Hour

// RedisStore persists sessions in Redis so they survive restarts and can be
// shared across instances. Keys expire after the configured TTL; expiry is
// equivalent to eviction since sessions reset to an idle default.
type RedisStore struct {
	redis *cache.Redis
	ttl   time.Duration
}

// NewRedisStore wraps the shared Redis client as a session store.
func NewRedisStore(redis *cache.Redis, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &RedisStore{redis: redis, ttl: ttl}
}

func sessionKey(userID string) string {
	return fmt.Sprintf("mpesa:session:%s", userID)
}

// Get loads the session, returning an idle default when absent.
func (r *RedisStore) Get(ctx context.Context, userID string) (*Session, error) {
	var s Session
	ok, err := r.redis.GetJSON(ctx, sessionKey(userID), &s)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", userID, err)
	}
	if !ok {
		return NewSession(userID), nil
	}
	if s.UserID == "" {
		s.UserID = userID
	}
	if s.Status == "" {
		s.Status = StatusIdle
	}
	return &s, nil
}

// Put stores the session with the configured TTL.
func (r *RedisStore) Put(ctx context.Context, s *Session) error {
	if err := r.redis.SetJSON(ctx, sessionKey(s.UserID), s, r.ttl); err != nil {
		return fmt.Errorf("store session %s: %w", s.UserID, err)
	}
	return nil
}

// Delete removes the session key.
func (r *RedisStore) Delete(ctx context.Context, userID string) error {
	return r.redis.Delete(ctx, sessionKey(userID))
}
