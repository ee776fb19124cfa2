package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// enqueueScript stores the payload only if the id is new, then schedules it.
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// claimScript pops up to ARGV[2] jobs due at ARGV[1].
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local payload = redis.call('HGET', KEYS[2], id)
	redis.call('HDEL', KEYS[2], id)
	if payload then
		table.insert(out, payload)
	end
end
return out
`)

// RedisQueue is a delayed job queue on a sorted set scored by due time.
type RedisQueue struct {
	client redis.UniversalClient
	logger *slog.Logger
	prefix string
	now    func() time.Time
}

// NewRedisQueue creates a queue whose keys live under prefix.
func NewRedisQueue(client redis.UniversalClient, logger *slog.Logger, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "pipelit"
	}

	return &RedisQueue{
		client: client,
		logger: logger.With("module", "queue"),
		prefix: prefix,
		now:    time.Now,
	}
}

func (q *RedisQueue) dueKey() string {
	return q.prefix + ":jobs:due"
}

func (q *RedisQueue) payloadKey() string {
	return q.prefix + ":jobs:payload"
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	return q.EnqueueIn(ctx, job, 0)
}

func (q *RedisQueue) EnqueueIn(ctx context.Context, job Job, delay time.Duration) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	now := q.now()
	job.EnqueuedAt = now.UTC()

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	due := now.Add(delay).UnixMilli()

	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.dueKey(), q.payloadKey()},
		job.ID, payload, due,
	).Int()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	if added == 0 {
		q.logger.DebugContext(ctx, "dropping duplicate job", "job_id", job.ID, "type", job.Type)

		return nil
	}

	q.logger.DebugContext(ctx, "job enqueued", "job_id", job.ID, "type", job.Type, "delay", delay)

	return nil
}

// Claim removes and returns up to limit jobs due at now.
func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	raw, err := claimScript.Run(ctx, q.client,
		[]string{q.dueKey(), q.payloadKey()},
		strconv.FormatInt(now.UnixMilli(), 10), limit,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	jobs := make([]Job, 0, len(raw))

	for _, payload := range raw {
		var job Job

		err := json.Unmarshal([]byte(payload), &job)
		if err != nil {
			q.logger.ErrorContext(ctx, "discarding undecodable job", "error", err)

			continue
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Len returns the number of queued jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.dueKey()).Result()
}
