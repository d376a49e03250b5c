// Package redis provides a Redis-backed CounterStore and SetStore.
//
// Counters and device sets are updated with Lua scripts so the check-and-write is
// atomic across instances sharing the same Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/neutralgate"
)

// Store is a Redis-backed CounterStore and SetStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var (
	_ neutralgate.CounterStore = (*Store)(nil)
	_ neutralgate.SetStore     = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "neutralgate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "neutralgate:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(k string) string {
	return s.keyPrefix + k
}

// incrementScript is a Lua script for a saturating increment.
// KEYS[1] = counter key
// ARGV[1] = ceiling
// ARGV[2] = expire_at (unix seconds, 0 = keep)
//
// Returns {value, incremented (1|0)}.
var incrementScript = goredis.NewScript(`
local key = KEYS[1]
local ceiling = tonumber(ARGV[1])
local expire_at = tonumber(ARGV[2])

local value = tonumber(redis.call("GET", key) or "0")
if value >= ceiling then
    return {value, 0}
end

value = redis.call("INCR", key)
if expire_at > 0 then
    redis.call("EXPIREAT", key, expire_at)
end
return {value, 1}
`)

// addBoundedScript adds a member to a set unless the set is full.
// KEYS[1] = set key
// ARGV[1] = member
// ARGV[2] = max
//
// Returns 1 if the member is in the set afterwards, 0 otherwise.
var addBoundedScript = goredis.NewScript(`
local key = KEYS[1]
local member = ARGV[1]
local max = tonumber(ARGV[2])

if redis.call("SISMEMBER", key, member) == 1 then
    return 1
end
if redis.call("SCARD", key) >= max then
    return 0
end
redis.call("SADD", key, member)
return 1
`)

// Get returns the counter value, or 0 if the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, s.key(key)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("neutralgate/redis: get: %w", err)
	}
	return v, nil
}

// Increment performs a saturating increment and sets the expiry.
func (s *Store) Increment(ctx context.Context, key string, ceiling int64, expireAt time.Time) (int64, bool, error) {
	var at int64
	if !expireAt.IsZero() {
		at = expireAt.Unix()
	}

	vals, err := incrementScript.Run(ctx, s.client, []string{s.key(key)}, ceiling, at).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("neutralgate/redis: increment: %w", err)
	}
	if len(vals) != 2 {
		return 0, false, fmt.Errorf("neutralgate/redis: unexpected increment result: %v", vals)
	}
	return vals[0], vals[1] == 1, nil
}

// ExpireAt sets the key's expiry.
func (s *Store) ExpireAt(ctx context.Context, key string, at time.Time) error {
	if err := s.client.ExpireAt(ctx, s.key(key), at).Err(); err != nil {
		return fmt.Errorf("neutralgate/redis: expireat: %w", err)
	}
	return nil
}

// AddBounded adds member to the set at key if it is present or the set has room.
func (s *Store) AddBounded(ctx context.Context, key, member string, max int) (bool, error) {
	res, err := addBoundedScript.Run(ctx, s.client, []string{s.key(key)}, member, max).Int64()
	if err != nil {
		return false, fmt.Errorf("neutralgate/redis: add bounded: %w", err)
	}
	return res == 1, nil
}

// Members returns the members of the set at key.
func (s *Store) Members(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("neutralgate/redis: members: %w", err)
	}
	return members, nil
}
