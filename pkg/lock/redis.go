package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/matzehuels/sheetpress/pkg/retry"
)

// DefaultRedisPrefix namespaces lock keys.
const DefaultRedisPrefix = "sheetpress:"

const (
	dialAttempts = 3
	dialDelay    = 200 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisLocker implements Locker using Redis.
type RedisLocker struct {
	client        *redis.Client
	prefix        string
	RetryInterval time.Duration
}

// NewRedisLocker creates a Redis locker. An empty prefix uses DefaultRedisPrefix.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// DialRedis connects to addr and pings it, retrying a refused or slow server
// a few times before giving up.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	err := retry.Do(ctx, dialAttempts, dialDelay, func() error {
		return retry.Transient(client.Ping(ctx).Err())
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return client, nil
}

// Key returns the Redis key used for a lock key.
func (l *RedisLocker) Key(key string) string {
	return l.prefix + "lock:" + key
}

// Lock acquires the lock for key using SET NX PX, retrying until ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	lockKey := l.Key(key)
	token := uuid.NewString()

	err := acquire(ctx, l.RetryInterval, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, fmt.Errorf("redis error acquiring lock: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) error {
		return l.client.Eval(ctx, releaseScript, []string{lockKey}, token).Err()
	}, nil
}
