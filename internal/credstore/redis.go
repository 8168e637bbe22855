package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key RedisStore uses when none is configured.
const DefaultRedisKey = "refreshwatch:session"

// RedisStore keeps the credential under a single Redis key so that several
// instances can share one session.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// Compile-time check to ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore on an existing client.
func NewRedisStore(client redis.UniversalClient, key string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}, nil
}

// Read returns the stored credential. Returns error if the key is missing or empty.
func (r *RedisStore) Read(ctx context.Context) (string, error) {
	credential, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("redis key %s not set", r.key)
	}
	if err != nil {
		return "", fmt.Errorf("reading redis key %s: %w", r.key, err)
	}
	if credential == "" {
		return "", fmt.Errorf("empty redis key %s", r.key)
	}
	return credential, nil
}

// Write stores the credential without expiry.
func (r *RedisStore) Write(ctx context.Context, credential string) error {
	if err := r.client.Set(ctx, r.key, credential, 0).Err(); err != nil {
		return fmt.Errorf("writing redis key %s: %w", r.key, err)
	}
	return nil
}

// Delete removes the key.
func (r *RedisStore) Delete(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("deleting redis key %s: %w", r.key, err)
	}
	return nil
}
