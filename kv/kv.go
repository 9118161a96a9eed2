// Package kv wraps the Redis client with the typed operations the
// coordinator needs: TTL'd writes for heartbeats and challenges, and atomic
// fixed-window counters for rate limiting. No business logic lives here.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key is absent or its TTL has elapsed.
var ErrNotFound = errors.New("kv: key not found")

// incrWithTTL increments a counter and stamps the window TTL on first
// increment, in a single round trip. Splitting INCR and EXPIRE across two
// calls leaves a crash window that produces an immortal counter.
var incrWithTTL = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// Store is a thin typed client over the ephemeral store.
type Store struct {
	rdb *redis.Client
}

// New connects to the ephemeral store at addr.
func New(addr string) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewWithClient wraps an existing client; used by tests backed by miniredis.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Set writes value under key with the given TTL, overwriting any prior entry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent writes value under key with TTL only if the key does not exist.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	return ok, nil
}

// Get returns the value at key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return value, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv del %s: %w", key, err)
	}
	return nil
}

// Keys enumerates keys matching the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.rdb.Keys(ctx, prefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("kv keys %s*: %w", prefix, err)
	}
	return keys, nil
}

// GetMulti fetches several keys in one round trip. Missing keys yield no
// entry in the result map.
func (s *Store) GetMulti(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("kv mget: %w", err)
	}
	out := make(map[string]string, len(keys))
	for i, value := range values {
		if value == nil {
			continue
		}
		if str, ok := value.(string); ok {
			out[keys[i]] = str
		}
	}
	return out, nil
}

// IncrementWithTTL atomically increments the counter at key, setting ttl on
// the first increment of a window. Returns the post-increment count.
func (s *Store) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := incrWithTTL.Run(ctx, s.rdb, []string{key}, int(ttl.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	return count, nil
}

// Ping verifies connectivity to the ephemeral store.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
