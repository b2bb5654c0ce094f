package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by all server instances. Each lock is a lease
// that expires on its own if the holder dies.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	lease  time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a locker. lease must exceed the longest expected handler run.
func NewRedisLocker(client redis.UniversalClient, prefix string, lease time.Duration) *RedisLocker {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, lease: lease, retry: 50 * time.Millisecond}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	fullKey := l.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.lease).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err()
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockNotAcquired
		}

		pause := l.retry
		if remaining := time.Until(deadline); remaining < pause {
			pause = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pause):
		}
	}
}
