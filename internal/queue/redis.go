package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteScript moves due members of the delayed set onto the ready list.
const promoteScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, member in ipairs(due) do
	if redis.call("ZREM", KEYS[1], member) == 1 then
		redis.call("LPUSH", KEYS[2], member)
	end
end
return #due
`

// RedisQueue keeps ready jobs in a list and delayed jobs in a sorted set
// scored by their due time in milliseconds.
type RedisQueue struct {
	client      redis.Cmdable
	readyKey    string
	delayedKey  string
	pollTimeout time.Duration
	now         func() time.Time
}

func NewRedisQueue(client redis.Cmdable, name string) *RedisQueue {
	if name == "" {
		name = "ledger"
	}
	return &RedisQueue{
		client:      client,
		readyKey:    "queue:" + name + ":ready",
		delayedKey:  "queue:" + name + ":delayed",
		pollTimeout: time.Second,
		now:         time.Now,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey, raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Type, err)
	}
	return nil
}

func (q *RedisQueue) EnqueueIn(ctx context.Context, job Job, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(due), Member: string(raw)}).Err(); err != nil {
		return fmt.Errorf("schedule %s: %w", job.Type, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}

		nowMs := strconv.FormatInt(q.now().UnixMilli(), 10)
		if err := q.client.Eval(ctx, promoteScript, []string{q.delayedKey, q.readyKey}, nowMs).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return Job{}, fmt.Errorf("promote delayed jobs: %w", err)
		}

		res, err := q.client.BRPop(ctx, q.pollTimeout, q.readyKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Job{}, fmt.Errorf("dequeue: %w", err)
		}
		if len(res) != 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return Job{}, Permanent(fmt.Errorf("corrupt job payload: %w", err))
		}
		return job, nil
	}
}

func (q *RedisQueue) Close() error {
	return nil
}
