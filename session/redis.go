package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "taskmesh:session:"

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// KeyPrefix namespaces session keys. Defaults to "taskmesh:session:".
	KeyPrefix string
	// TTL is the key expiry, refreshed on every save. Zero keeps sessions
	// until explicitly ended.
	TTL time.Duration
}

// RedisStore persists session snapshots as JSON values in Redis, so sessions
// survive process restarts and can be shared between engine replicas.
//
// Note: unlike the in-memory store, contexts returned by Get are detached
// copies; callers must Save to publish mutations.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore constructs a store on an existing client.
func NewRedisStore(client *redis.Client, optFns ...func(o *RedisOptions)) *RedisStore {
	opts := RedisOptions{
		KeyPrefix: redisKeyPrefix,
		TTL:       24 * time.Hour,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &RedisStore{client: client, prefix: opts.KeyPrefix, ttl: opts.TTL}
}

func (s *RedisStore) key(sessionID string) string { return s.prefix + sessionID }

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Context, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		sc := NewContext(sessionID)
		if err := s.Save(ctx, sc); err != nil {
			return nil, err
		}
		return sc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session %s: %w", sessionID, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return FromSnapshot(snap), nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, sc *Context) error {
	raw, err := json.Marshal(sc.Snapshot())
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sc.ID(), err)
	}
	if err := s.client.Set(ctx, s.key(sc.ID()), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis save session %s: %w", sc.ID(), err)
	}
	return nil
}

// End implements Store.
func (s *RedisStore) End(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis end session %s: %w", sessionID, err)
	}
	return nil
}
