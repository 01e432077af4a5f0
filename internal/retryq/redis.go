package retryq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisQueue keeps due times in a sorted set scored by unix milliseconds and
// job bodies in a hash. A claim pushes the score out by the lease so the job
// reappears if it is never acknowledged.
type RedisQueue struct {
	client goredis.UniversalClient
	prefix string
}

func NewRedisQueue(client goredis.UniversalClient, prefix string) *RedisQueue {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "wagate"
	}
	return &RedisQueue{client: client, prefix: prefix + ":retry"}
}

func (q *RedisQueue) dueKey() string  { return q.prefix + ":due" }
func (q *RedisQueue) jobsKey() string { return q.prefix + ":jobs" }
func (q *RedisQueue) deadKey() string { return q.prefix + ":dead" }
func (q *RedisQueue) deadIndex(tenantID string) string {
	return q.prefix + ":dead:" + tenantID
}

func (q *RedisQueue) Enqueue(ctx context.Context, j Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobsKey(), j.ID, raw)
	pipe.ZAdd(ctx, q.dueKey(), goredis.Z{Score: float64(j.ScheduledAt.UnixMilli()), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retryq/redis: enqueue %s: %w", j.ID, err)
	}
	return nil
}

var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  local body = redis.call('HGET', KEYS[2], id)
  if body then
    redis.call('ZADD', KEYS[1], ARGV[3], id)
    table.insert(out, body)
  else
    redis.call('ZREM', KEYS[1], id)
  end
end
return out
`)

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	nowMs := now.UnixMilli()
	res, err := claimScript.Run(ctx, q.client, []string{q.dueKey(), q.jobsKey()},
		nowMs, limit, nowMs+lease.Milliseconds()).StringSlice()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("retryq/redis: claim: %w", err)
	}
	out := make([]Job, 0, len(res))
	for _, body := range res {
		var j Job
		if err := json.Unmarshal([]byte(body), &j); err != nil {
			return out, fmt.Errorf("retryq/redis: decode job: %w", err)
		}
		out = append(out, j)
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.dueKey(), id)
	pipe.HDel(ctx, q.jobsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retryq/redis: ack %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, j Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.dueKey(), j.ID)
	pipe.HDel(ctx, q.jobsKey(), j.ID)
	pipe.HSet(ctx, q.deadKey(), j.ID, raw)
	pipe.ZAdd(ctx, q.deadIndex(j.TenantID), goredis.Z{Score: float64(j.DeadAt.UnixMilli()), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retryq/redis: dead-letter %s: %w", j.ID, err)
	}
	return nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, tenantID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.ZRevRange(ctx, q.deadIndex(tenantID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("retryq/redis: list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := q.client.HMGet(ctx, q.deadKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("retryq/redis: load dead letters: %w", err)
	}
	out := make([]Job, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(s), &j); err != nil {
			return out, fmt.Errorf("retryq/redis: decode dead letter: %w", err)
		}
		out = append(out, j)
	}
	return out, nil
}

func (q *RedisQueue) TakeDeadLetter(ctx context.Context, id string) (Job, error) {
	raw, err := q.client.HGet(ctx, q.deadKey(), id).Result()
	if errors.Is(err, goredis.Nil) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("retryq/redis: get dead letter: %w", err)
	}
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return Job{}, fmt.Errorf("retryq/redis: decode dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	del := pipe.HDel(ctx, q.deadKey(), id)
	pipe.ZRem(ctx, q.deadIndex(j.TenantID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return Job{}, fmt.Errorf("retryq/redis: take dead letter: %w", err)
	}
	// Two concurrent takers both read the body; only one deletes it.
	if del.Val() == 0 {
		return Job{}, ErrNotFound
	}
	return j, nil
}
