// Package kv provides the shared key-value store used by the queue, the
// semantic cache, and the cost tracker. All cross-instance coordination goes
// through this single interface: sorted sets back the queue ordering, plain
// TTL keys back records, and atomic counters back cost buckets, so multiple
// Conduit instances can share one Redis without read-then-write races.
package kv

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the set of primitives the engines rely on. Every mutation that
// multiple workers can race on (queue claims, counter increments, capped
// enqueues) is a single atomic operation on the store.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	// ZAddCapped adds member only while the set holds fewer than max members.
	// Returns false when the cap is reached.
	ZAddCapped(ctx context.Context, key, member string, score float64, max int64) (bool, error)
	// ZPopMin atomically removes and returns the lowest-scored member.
	ZPopMin(ctx context.Context, key string) (member string, ok bool, err error)
	// ZPopByScore atomically removes and returns up to limit members with
	// score <= max, lowest first.
	ZPopByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// RedisStore implements Store on a Redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at addr ("host:port") and verifies
// connectivity before returning.
func NewRedisStore(ctx context.Context, addr, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: failed to connect to Redis at %s: %w", addr, err)
	}

	log.Printf("kv: connected to Redis at %s", addr)
	return &RedisStore{client: client}, nil
}

// Close shuts down the underlying Redis client.
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get %q: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: setnx %q: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv: delete: %w", err)
	}
	return nil
}

// Keys scans for keys matching pattern. SCAN is used instead of KEYS to
// avoid blocking Redis on large keyspaces.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv: scan %q: %w", pattern, err)
	}
	return keys, nil
}

// incrWithExpireLua atomically increments a key and sets TTL only if the key
// has no expiry yet, so the bucket window is never extended by later writes.
var incrWithExpireLua = redis.NewScript(`
	local newval = redis.call('INCRBY', KEYS[1], ARGV[1])
	if tonumber(ARGV[2]) > 0 and redis.call('TTL', KEYS[1]) == -1 then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return newval
`)

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	result, err := incrWithExpireLua.Run(ctx, s.client, []string{key},
		delta, int(ttl/time.Second)).Int64()
	if err != nil {
		return 0, fmt.Errorf("kv: incrby %q: %w", key, err)
	}
	return result, nil
}

var incrFloatWithExpireLua = redis.NewScript(`
	local newval = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
	if tonumber(ARGV[2]) > 0 and redis.call('TTL', KEYS[1]) == -1 then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return newval
`)

func (s *RedisStore) IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	result, err := incrFloatWithExpireLua.Run(ctx, s.client, []string{key},
		strconv.FormatFloat(delta, 'f', 10, 64), int(ttl/time.Second)).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: incrbyfloat %q: %w", key, err)
	}
	// INCRBYFLOAT returns a string through Lua.
	switch v := result.(type) {
	case string:
		f, parseErr := strconv.ParseFloat(v, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("kv: parse incr result %q: %w", v, parseErr)
		}
		return f, nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("kv: unexpected result type from incrbyfloat script")
	}
}

func (s *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("kv: zadd %q: %w", key, err)
	}
	return nil
}

// zaddCappedLua rejects the add when the set already holds max members,
// making depth enforcement atomic with the enqueue itself.
var zaddCappedLua = redis.NewScript(`
	if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
		return 0
	end
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
	return 1
`)

func (s *RedisStore) ZAddCapped(ctx context.Context, key, member string, score float64, max int64) (bool, error) {
	result, err := zaddCappedLua.Run(ctx, s.client, []string{key},
		strconv.FormatFloat(score, 'f', -1, 64), member, max).Int64()
	if err != nil {
		return false, fmt.Errorf("kv: zadd capped %q: %w", key, err)
	}
	return result == 1, nil
}

func (s *RedisStore) ZPopMin(ctx context.Context, key string) (string, bool, error) {
	vals, err := s.client.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("kv: zpopmin %q: %w", key, err)
	}
	if len(vals) == 0 {
		return "", false, nil
	}
	member, ok := vals[0].Member.(string)
	if !ok {
		return "", false, fmt.Errorf("kv: zpopmin %q: non-string member", key)
	}
	return member, true, nil
}

// zpopByScoreLua removes and returns due members in one round-trip so that
// concurrent sweepers never promote the same member twice.
var zpopByScoreLua = redis.NewScript(`
	local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
	for i, m in ipairs(members) do
		redis.call('ZREM', KEYS[1], m)
	end
	return members
`)

func (s *RedisStore) ZPopByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	result, err := zpopByScoreLua.Run(ctx, s.client, []string{key},
		strconv.FormatFloat(max, 'f', -1, 64), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("kv: zpop by score %q: %w", key, err)
	}
	return result, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.client.ZRem(ctx, key, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: zrem %q: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: zcard %q: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kv: sadd %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kv: srem %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: smembers %q: %w", key, err)
	}
	return members, nil
}
