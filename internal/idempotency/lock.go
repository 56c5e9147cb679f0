package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// InflightLocker keeps concurrent deliveries of one transaction from both
// calling the provider. It is an optimisation; correctness comes from the
// database checks.
type InflightLocker interface {
	Acquire(ctx context.Context, resource string) (release func(), acquired bool, err error)
}

type RedisLocker struct {
	client  redis.Cmdable
	ttl     time.Duration
	prefix  string
	tokenFn func() string
}

func NewRedisLocker(client redis.Cmdable, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client:  client,
		ttl:     ttl,
		prefix:  "lock:reconcile:",
		tokenFn: func() string { return uuid.NewString() },
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, resource string) (func(), bool, error) {
	key := l.prefix + resource
	token := l.tokenFn()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// release on a fresh context so a cancelled job still frees the key
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.client.Eval(rctx, releaseScript, []string{key}, token).Err()
	}
	return release, true, nil
}

// NoopLocker always grants the lock; used with the in-memory queue.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, string) (func(), bool, error) {
	return func() {}, true, nil
}
