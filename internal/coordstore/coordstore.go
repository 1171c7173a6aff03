// Package coordstore implements the Coordination Store (CS) described in
// spec.md §2.1 and §9: atomic set-add/set-remove/scan, conditional
// SET-if-absent with TTL, and compare-and-delete, backed by
// Redis exactly as the original's services/redis_client.py and
// services/cache.py did, but expressed as a single Go interface per spec §9's
// design note ("model CS as an interface ... pass it into both components —
// no package-level globals") instead of a shared global client. Store has no
// publish/subscribe; request channels are carried by internal/stream.
package coordstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the Coordination Store contract. The Resource Tracker and the GPU
// Lock are both built on top of it; neither holds a Redis client directly.
type Store interface {
	// SetAdd adds member to the set at key. Idempotent.
	SetAdd(ctx context.Context, key, member string) error
	// SetRem removes member from the set at key. Idempotent.
	SetRem(ctx context.Context, key, member string) error
	// SetMembers returns the members of the set at key. Each call is an atomic
	// read of that one key; no cross-key consistency is implied.
	SetMembers(ctx context.Context, key string) ([]string, error)
	// SetCard returns the number of members in the set at key.
	SetCard(ctx context.Context, key string) (int64, error)
	// Delete removes a key outright (used to drop a non-resident model's
	// tracked set, whether or not it still has members).
	Delete(ctx context.Context, key string) error
	// ScanKeys returns every key matching the given prefix glob (e.g.
	// "active_model:*"). Uses SCAN rather than KEYS so it never blocks Redis
	// on a large keyspace.
	ScanKeys(ctx context.Context, prefix string) ([]string, error)
	// SetIfAbsent sets key to value with the given TTL only if key does not
	// already exist (SET NX PX), returning whether the set happened. Backs
	// GPU-lock acquisition.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if its current value equals expected,
	// atomically. Backs GPU-lock release: a lock reclaimed via TTL expiry must
	// never be deleted by a former holder's stale release call.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// Ping verifies the store is reachable; used by the health endpoint.
	Ping(ctx context.Context) error
}

// redisStore is the production Store backed by go-redis.
type redisStore struct {
	client *redis.Client
}

var _ Store = (*redisStore)(nil)

// New wraps an existing Redis client as a Store. The caller owns the client's
// lifecycle (connection pooling, Close).
func New(client *redis.Client) Store {
	return &redisStore{client: client}
}

// compareAndDeleteScript atomically deletes key only if its value matches the
// caller's fencing token. This is the Go-idiomatic equivalent of the
// original's WATCH/MULTI/EXEC pipeline in RedisLock.release: a single Lua
// script avoids the retry loop entirely since Redis executes it atomically.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (s *redisStore) SetAdd(ctx context.Context, key, member string) error {
	return s.client.SAdd(ctx, key, member).Err()
}

func (s *redisStore) SetRem(ctx context.Context, key, member string) error {
	return s.client.SRem(ctx, key, member).Err()
}

func (s *redisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

func (s *redisStore) SetCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", key, err)
	}
	return n, nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *redisStore) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return keys, nil
}

func (s *redisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *redisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("compare-and-delete %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
