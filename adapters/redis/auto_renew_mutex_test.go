package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestNewAutoRenewMutex(t *testing.T) {
	tests := []struct {
		name string
		key  string
		opts []AutoRenewMutexOption
	}{
		{
			name: "default options",
			key:  "test-lock",
		},
		{
			name: "custom options",
			key:  "test-lock",
			opts: []AutoRenewMutexOption{
				WithAutoRenewMutexExpiry(5 * time.Second),
				WithAutoRenewMutexRenewInterval(1 * time.Second),
				WithAutoRenewMutexRetryDelay(100 * time.Millisecond),
				WithAutoRenewMutexSkipLockError(true),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)
			client, _, cleanup := setupTest(t)
			defer cleanup()

			mutex := NewAutoRenewMutex(client, tt.key, tt.opts...)
			require.NotNil(t, mutex)
		})
	}
}

func TestAutoRenewMutex_LockUnlock(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	t.Run("lock and unlock", func(t *testing.T) {
		mutex := NewAutoRenewMutex(client, "test-lock")

		lockCtx, err := mutex.Lock(context.Background())
		require.NoError(t, err)
		require.NotNil(t, lockCtx)
		assert.True(t, mutex.Valid())

		ok, err := mutex.Unlock()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, mutex.Valid())
	})

	t.Run("held lock blocks other holders until released", func(t *testing.T) {
		first := NewAutoRenewMutex(client, "contended-lock",
			WithAutoRenewMutexRetryDelay(20*time.Millisecond))
		second := NewAutoRenewMutex(client, "contended-lock",
			WithAutoRenewMutexRetryDelay(20*time.Millisecond))

		_, err := first.Lock(context.Background())
		require.NoError(t, err)

		// 鎖被持有期間，第二個持鎖者只能等到context到期
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err = second.Lock(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		_, err = first.Unlock()
		require.NoError(t, err)

		// 釋放後立刻可以取得
		_, err = second.Lock(context.Background())
		require.NoError(t, err)
		_, err = second.Unlock()
		require.NoError(t, err)
	})

	t.Run("cancelled context aborts lock acquisition", func(t *testing.T) {
		mutex := NewAutoRenewMutex(client, "another-lock")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := mutex.Lock(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
