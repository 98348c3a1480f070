package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/overage-billing/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Locker is the lock contract shared by MemoryLocker and RedisLocker
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

var (
	_ Locker = (*MemoryLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)

// New builds the locker selected by billing.lock_backend.
// The returned close func releases the backend connection and is never nil.
func New(billingCfg config.BillingConfig, redisCfg config.RedisConfig, logger *zap.Logger) (Locker, func() error, error) {
	switch billingCfg.LockBackend {
	case "", "memory":
		logger.Warn("Using in-memory tenant locks; run a single reconciler instance")
		return NewMemoryLocker(), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     redisCfg.Addr(),
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}

		locker := NewRedisLocker(client, billingCfg.LockTTL,
			WithWait(billingCfg.LockWait),
			WithLogger(logger.Named("lock")),
		)
		logger.Info("Using Redis tenant locks", zap.String("addr", redisCfg.Addr()))
		return locker, locker.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", billingCfg.LockBackend)
	}
}
