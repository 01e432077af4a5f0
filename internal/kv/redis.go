package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a shared Redis so every instance sees the
// same counters. Compound operations run as Lua scripts.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
}

type RedisOption func(*RedisStore)

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func NewRedisStore(client goredis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "wagate"}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DialRedis builds a client from a redis:// URL and pings it.
func DialRedis(ctx context.Context, url string) (*goredis.Client, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv/redis: parse url: %w", err)
	}
	c := goredis.NewClient(opt)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("kv/redis: ping: %w", err)
	}
	return c, nil
}

func (s *RedisStore) k(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

var incrScript = goredis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

var incrSlidingScript = goredis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

var decrScript = goredis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v > 0 then
  redis.call('DECR', KEYS[1])
end
return 0
`)

var windowScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < limit then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', KEYS[1], window)
local oldest = now
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

var acquireScript = goredis.NewScript(`
local now = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local cur = redis.call('HMGET', KEYS[1], 'holder', 'acquired_at', 'expires_at')
if cur[1] and cur[1] ~= ARGV[1] then
  return {0, cur[1], tonumber(cur[2]), tonumber(cur[3])}
end
local acquired = now
if cur[1] and cur[2] then
  acquired = tonumber(cur[2])
end
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'acquired_at', acquired, 'expires_at', now + ttl)
redis.call('PEXPIRE', KEYS[1], ttl)
return {1, ARGV[1], acquired, now + ttl}
`)

var releaseScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder') == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, s.client, []string{s.k(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("kv/redis: incr %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) IncrSliding(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrSlidingScript.Run(ctx, s.client, []string{s.k(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("kv/redis: incr %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) Decr(ctx context.Context, key string) error {
	if err := decrScript.Run(ctx, s.client, []string{s.k(key)}).Err(); err != nil {
		return fmt.Errorf("kv/redis: decr %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Counter(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, s.k(key)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kv/redis: counter %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) WindowAdmit(ctx context.Context, key string, now time.Time, window time.Duration, limit int64, member string) (WindowResult, error) {
	vals, err := windowScript.Run(ctx, s.client, []string{s.k(key)},
		now.UnixMilli(), window.Milliseconds(), limit, member).Slice()
	if err != nil {
		return WindowResult{}, fmt.Errorf("kv/redis: window %s: %w", key, err)
	}
	if len(vals) != 3 {
		return WindowResult{}, fmt.Errorf("kv/redis: window %s: unexpected reply %v", key, vals)
	}
	return WindowResult{
		Allowed: toInt64(vals[0]) == 1,
		Count:   toInt64(vals[1]),
		Oldest:  time.UnixMilli(toInt64(vals[2])),
	}, nil
}

func (s *RedisStore) WindowRemove(ctx context.Context, key, member string) error {
	if err := s.client.ZRem(ctx, s.k(key), member).Err(); err != nil {
		return fmt.Errorf("kv/redis: window remove %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, s.k(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv/redis: get %s: %w", key, err)
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.k(key), val, ttl).Err(); err != nil {
		return fmt.Errorf("kv/redis: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.k(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("kv/redis: del: %w", err)
	}
	return nil
}

func (s *RedisStore) HIncr(ctx context.Context, key, field string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, s.k(key), field, 1)
	if ttl > 0 {
		pipe.PExpire(ctx, s.k(key), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("kv/redis: hincr %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, s.k(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("kv/redis: hgetall %s: %w", key, err)
	}
	out := make(map[string]int64, len(raw))
	for f, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[f] = n
	}
	return out, nil
}

func (s *RedisStore) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (Lease, bool, error) {
	vals, err := acquireScript.Run(ctx, s.client, []string{s.k(key)},
		holder, time.Now().UnixMilli(), ttl.Milliseconds()).Slice()
	if err != nil {
		return Lease{}, false, fmt.Errorf("kv/redis: acquire %s: %w", key, err)
	}
	if len(vals) != 4 {
		return Lease{}, false, fmt.Errorf("kv/redis: acquire %s: unexpected reply %v", key, vals)
	}
	h, _ := vals[1].(string)
	l := Lease{
		Key:        key,
		Holder:     h,
		AcquiredAt: time.UnixMilli(toInt64(vals[2])),
		ExpiresAt:  time.UnixMilli(toInt64(vals[3])),
	}
	return l, toInt64(vals[0]) == 1, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, key, holder string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{s.k(key)}, holder).Int64()
	if err != nil {
		return false, fmt.Errorf("kv/redis: release %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) GetLease(ctx context.Context, key string) (Lease, bool, error) {
	vals, err := s.client.HMGet(ctx, s.k(key), "holder", "acquired_at", "expires_at").Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("kv/redis: get lease %s: %w", key, err)
	}
	h, ok := vals[0].(string)
	if !ok || h == "" {
		return Lease{}, false, nil
	}
	return Lease{
		Key:        key,
		Holder:     h,
		AcquiredAt: time.UnixMilli(toInt64(vals[1])),
		ExpiresAt:  time.UnixMilli(toInt64(vals[2])),
	}, true, nil
}

// Sweep is a no-op; Redis expires keys itself.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

func (s *RedisStore) Close() error { return s.client.Close() }

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	case float64:
		return int64(x)
	}
	return 0
}
