package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix isolates this system's keys from other tenants of the
// same Redis instance.
const DefaultKeyPrefix = "idem:"

const lockSuffix = ":lock"

// Redis is a Backend that delegates atomicity to Redis primitives: SET with
// EX for records and SET NX EX for lock markers. It performs no client-side
// locking of its own.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client. An empty prefix falls back to
// DefaultKeyPrefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) (*Record, error) {
	data, err := r.client.Get(ctx, r.prefixed(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A present but undecodable value means the key is corrupt, not
		// absent. Treating it as a miss would silently re-execute.
		return nil, fmt.Errorf("decode record %q: %w", key, err)
	}
	return &rec, nil
}

func (r *Redis) Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %q: %w", key, err)
	}
	if err := r.client.Set(ctx, r.prefixed(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (r *Redis) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.lockKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock %q: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) ReleaseLock(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.lockKey(key)).Err(); err != nil {
		return fmt.Errorf("redis unlock %q: %w", key, err)
	}
	return nil
}

func (r *Redis) prefixed(key string) string {
	return r.prefix + key
}

func (r *Redis) lockKey(key string) string {
	return r.prefixed(key) + lockSuffix
}

var _ Backend = (*Redis)(nil)
