package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces queue keys in the shared Redis.
const DefaultKeyPrefix = "sentinel:jobs:"

// deadLimit caps the dead-letter list.
const deadLimit = 1000

// reserveScript requeues expired leases, then moves up to ARGV[3] due jobs
// from the scheduled set to the processing set and returns their bodies.
//
// KEYS: scheduled zset, processing zset, job hash
// ARGV: now (ms), lease deadline (ms), max
var reserveScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local body = redis.call('HGET', KEYS[3], id)
	if body then
		redis.call('ZADD', KEYS[2], ARGV[2], id)
		table.insert(out, body)
	end
end
return out
`)

// RedisQueue is a Queue backed by two Redis sorted sets scored by time: one
// for scheduled jobs (score = run at) and one for leased jobs (score = lease
// deadline). Job bodies live in a hash keyed by job id.
type RedisQueue struct {
	client     redis.UniversalClient
	scheduled  string
	processing string
	jobs       string
	dead       string
}

// NewRedisQueue returns a queue using keys under prefix. An empty prefix
// uses DefaultKeyPrefix. The caller owns the client.
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisQueue{
		client:     client,
		scheduled:  prefix + "scheduled",
		processing: prefix + "processing",
		jobs:       prefix + "data",
		dead:       prefix + "dead",
	}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobs, job.ID, body)
		pipe.ZAdd(ctx, q.scheduled, redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return nil
}

// Reserve implements Queue.
func (q *RedisQueue) Reserve(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 1
	}
	bodies, err := reserveScript.Run(ctx, q.client,
		[]string{q.scheduled, q.processing, q.jobs},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(lease).UnixMilli(), 10),
		limit,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reserve: %w", err)
	}

	out := make([]*Job, 0, len(bodies))
	for _, b := range bodies {
		var job Job
		if err := json.Unmarshal([]byte(b), &job); err != nil {
			return out, fmt.Errorf("unmarshal job: %w", err)
		}
		out = append(out, &job)
	}
	return out, nil
}

// Ack implements Queue.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.processing, job.ID)
		pipe.HDel(ctx, q.jobs, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", job.ID, err)
	}
	return nil
}

// Fail implements Queue.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, reason string) error {
	body, err := json.Marshal(DeadJob{Job: *job, Reason: reason, FailedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dead job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.processing, job.ID)
		pipe.HDel(ctx, q.jobs, job.ID)
		pipe.LPush(ctx, q.dead, body)
		pipe.LTrim(ctx, q.dead, 0, deadLimit-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail %s: %w", job.ID, err)
	}
	return nil
}

// Dead returns up to n most recently failed jobs.
func (q *RedisQueue) Dead(ctx context.Context, n int) ([]DeadJob, error) {
	raw, err := q.client.LRange(ctx, q.dead, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	out := make([]DeadJob, 0, len(raw))
	for _, r := range raw {
		var d DeadJob
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			return nil, fmt.Errorf("unmarshal dead job: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Ping checks Redis is reachable.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
