package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps sessions in Redis so that every replica behind a load
// balancer sees the same handshake state.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// storedSession is the Redis wire form of a Session
type storedSession struct {
	ID        string            `json:"id"`
	Values    map[string]string `json:"values"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewRedisStore creates a Redis-backed session store
func NewRedisStore(redisClient *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "keygate:session"
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) key(id string) string {
	return fmt.Sprintf("%s:%s", s.prefix, id)
}

// Get loads a session
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}

	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	if stored.Values == nil {
		stored.Values = make(map[string]string)
	}

	return &Session{
		ID:        stored.ID,
		Values:    stored.Values,
		CreatedAt: stored.CreatedAt,
		UpdatedAt: stored.UpdatedAt,
		persisted: true,
	}, nil
}

// Save writes the session and resets its expiry
func (s *RedisStore) Save(ctx context.Context, session *Session) error {
	session.mu.Lock()
	stored := storedSession{
		ID:        session.ID,
		Values:    session.Values,
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
	}
	data, err := json.Marshal(stored)
	session.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", session.ID, err)
	}

	if err := s.redis.Set(ctx, s.key(session.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

// Destroy deletes the session
func (s *RedisStore) Destroy(ctx context.Context, id string) error {
	if err := s.redis.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
