package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/chatstore/datalayer"
)

// RedisSessionStore implements datalayer.SessionStore using Redis
type RedisSessionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ datalayer.SessionStore = (*RedisSessionStore)(nil)

// RedisOptions configuration for Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "chatstore:"
	TTL      time.Duration // Expiration for sessions, default 0 (no expiration)
}

// NewRedisSessionStore creates a new Redis session store
func NewRedisSessionStore(opts RedisOptions) *RedisSessionStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "chatstore:"
	}

	return &RedisSessionStore{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
	}
}

func (s *RedisSessionStore) sessionKey(id string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, id)
}

func (s *RedisSessionStore) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s:sessions", s.prefix, userID)
}

// Save stores a session, indexing it by user when a user ID is present.
// A zero CreatedAt defaults to now.
func (s *RedisSessionStore) Save(ctx context.Context, session *datalayer.Session) error {
	if session.ID == "" {
		return errors.New("session ID is required")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.sessionKey(session.ID), data, s.ttl)

	if session.UserID != "" {
		userKey := s.userKey(session.UserID)
		pipe.SAdd(ctx, userKey, session.ID)
		if s.ttl > 0 {
			pipe.Expire(ctx, userKey, s.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session to redis: %w", err)
	}

	return nil
}

// Get retrieves a session by ID, returning (nil, nil) when absent.
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*datalayer.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session from redis: %w", err)
	}

	var session datalayer.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", datalayer.ErrSerialization, err)
	}

	return &session, nil
}

// Delete removes a session and its user-index entry, reporting whether the
// session existed.
func (s *RedisSessionStore) Delete(ctx context.Context, id string) (bool, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if session == nil {
		return false, nil
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.sessionKey(id))
	if session.UserID != "" {
		pipe.SRem(ctx, s.userKey(session.UserID), id)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}

	return true, nil
}

// ListUserSessions returns all live sessions of a user. Sessions that
// expired out from under the index are skipped.
func (s *RedisSessionStore) ListUserSessions(ctx context.Context, userID string) ([]*datalayer.Session, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for user %s: %w", userID, err)
	}

	if len(ids) == 0 {
		return []*datalayer.Session{}, nil
	}

	var keys []string
	for _, id := range ids {
		keys = append(keys, s.sessionKey(id))
	}

	results, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sessions: %w", err)
	}

	var sessions []*datalayer.Session
	for _, result := range results {
		if result == nil {
			continue
		}
		strData, ok := result.(string)
		if !ok {
			continue
		}
		var session datalayer.Session
		if err := json.Unmarshal([]byte(strData), &session); err != nil {
			continue
		}
		sessions = append(sessions, &session)
	}

	return sessions, nil
}

// ClearUser removes all sessions of a user along with the index itself.
func (s *RedisSessionStore) ClearUser(ctx context.Context, userID string) error {
	userKey := s.userKey(userID)
	ids, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return fmt.Errorf("failed to get sessions for clearing: %w", err)
	}

	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.sessionKey(id))
	}
	pipe.Del(ctx, userKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear sessions for user %s: %w", userID, err)
	}

	return nil
}

// Close closes the Redis client
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}
