package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_Lock(t *testing.T) {
	ctx := context.Background()

	t.Run("serializes holders of the same key", func(t *testing.T) {
		locker := NewMemoryLocker()

		var inside, maxInside int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := locker.Lock(ctx, "tenant:a")
				if !assert.NoError(t, err) {
					return
				}
				defer unlock()

				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), maxInside)
		assert.Equal(t, 0, locker.Size(), "released keys should be forgotten")
	})

	t.Run("different keys do not block each other", func(t *testing.T) {
		locker := NewMemoryLocker()

		unlockA, err := locker.Lock(ctx, "tenant:a")
		require.NoError(t, err)
		defer unlockA()

		ctxB, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		unlockB, err := locker.Lock(ctxB, "tenant:b")
		require.NoError(t, err)
		unlockB()
	})

	t.Run("gives up when context expires", func(t *testing.T) {
		locker := NewMemoryLocker()

		unlock, err := locker.Lock(ctx, "tenant:a")
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(waitCtx, "tenant:a")
		assert.ErrorIs(t, err, billing.ErrLockNotAcquired)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		unlock()
		unlock()
		assert.Equal(t, 0, locker.Size())
	})
}
