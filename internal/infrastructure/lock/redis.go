package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix    = "overage:lock:"
	defaultRetryBackoff = 50 * time.Millisecond
	releaseTimeout      = 2 * time.Second
)

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements a lease-based lock shared by every instance using the same Redis.
// A lease expires after ttl even if its holder dies without unlocking.
type RedisLocker struct {
	client       *redis.Client
	keyPrefix    string
	ttl          time.Duration
	wait         time.Duration
	retryBackoff time.Duration
	logger       *zap.Logger
}

// RedisLockerOption is a functional option for configuring the locker
type RedisLockerOption func(*RedisLocker)

// WithKeyPrefix sets the Redis key prefix
func WithKeyPrefix(prefix string) RedisLockerOption {
	return func(l *RedisLocker) {
		l.keyPrefix = prefix
	}
}

// WithWait bounds how long Lock keeps retrying a held key. Zero means try once.
func WithWait(wait time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		l.wait = wait
	}
}

// WithRetryBackoff sets the pause between acquisition attempts
func WithRetryBackoff(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		l.retryBackoff = d
	}
}

// WithLogger sets the logger for the locker
func WithLogger(logger *zap.Logger) RedisLockerOption {
	return func(l *RedisLocker) {
		l.logger = logger
	}
}

// NewRedisLocker creates a locker with an existing Redis client
func NewRedisLocker(client *redis.Client, ttl time.Duration, opts ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{
		client:       client,
		keyPrefix:    defaultKeyPrefix,
		ttl:          ttl,
		retryBackoff: defaultRetryBackoff,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock acquires key with SET NX PX, retrying until the wait budget or ctx runs out
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.keyPrefix + key
	token := uuid.NewString()

	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return l.unlocker(redisKey, token), nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("lock %s: %w", key, billing.ErrLockNotAcquired)
		}

		timer := time.NewTimer(l.retryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("lock %s: %w: %w", key, billing.ErrLockNotAcquired, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *RedisLocker) unlocker(redisKey, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true

		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()

		n, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int64()
		switch {
		case err != nil && !errors.Is(err, redis.Nil):
			l.logger.Warn("Failed to release lock", zap.String("key", redisKey), zap.Error(err))
		case n == 0:
			l.logger.Warn("Lock lease expired before release", zap.String("key", redisKey))
		}
	}
}

// Close closes the Redis client
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
