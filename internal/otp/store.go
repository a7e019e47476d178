package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// RedisStore keeps sessions in Redis so every instance of the service
// sees the same codes and attempt counters.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

var _ SessionStore = (*RedisStore)(nil)

func sessionKey(userID string) string {
	return "otp:session:" + userID
}

// Get retrieves the active session for a user
func (s *RedisStore) Get(ctx context.Context, userID string) (*Session, bool, error) {
	raw, err := s.client.Get(ctx, sessionKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading otp session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, false, fmt.Errorf("decoding otp session: %w", err)
	}
	return &session, true, nil
}

// Put stores a session, replacing any existing one
func (s *RedisStore) Put(ctx context.Context, userID string, session *Session, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(ctx, userID)
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding otp session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(userID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("writing otp session: %w", err)
	}
	return nil
}

// Delete removes a session
func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("deleting otp session: %w", err)
	}
	return nil
}

// HealthCheck pings Redis
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore is an in-process session store for tests and
// single-instance deployments.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]memorySession
}

type memorySession struct {
	session Session
	expires time.Time
}

// NewMemoryStore creates an in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]memorySession)}
}

var _ SessionStore = (*MemoryStore)(nil)

// Get retrieves the active session for a user
func (s *MemoryStore) Get(_ context.Context, userID string) (*Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[userID]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expires) {
		delete(s.sessions, userID)
		return nil, false, nil
	}
	session := entry.session
	return &session, true, nil
}

// Put stores a session, replacing any existing one
func (s *MemoryStore) Put(_ context.Context, userID string, session *Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl <= 0 {
		delete(s.sessions, userID)
		return nil
	}
	s.sessions[userID] = memorySession{
		session: *session,
		expires: time.Now().Add(ttl),
	}
	return nil
}

// Delete removes a session
func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}
