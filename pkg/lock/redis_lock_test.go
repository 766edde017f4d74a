package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLocker(t *testing.T) (*miniredis.Miniredis, *RedisLocker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisLocker(client, "endpoints:job:", 30*time.Second)
}

func TestRedisLock_AcquireRelease(t *testing.T) {
	mr, locker := setupLocker(t)
	ctx := context.Background()

	first := locker.NewLock("endpoint-reconcile")
	assert.Equal(t, "endpoints:job:endpoint-reconcile", first.Key())

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, mr.TTL(first.Key()))

	second := locker.NewLock("endpoint-reconcile")
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 非持有者不能释放
	assert.ErrorIs(t, second.Release(ctx), ErrLockNotHeld)
	assert.True(t, mr.Exists(first.Key()))

	require.NoError(t, first.Release(ctx))
	assert.False(t, mr.Exists(first.Key()))
	assert.ErrorIs(t, first.Release(ctx), ErrLockNotHeld)
}

func TestRedisLock_Extend(t *testing.T) {
	mr, locker := setupLocker(t)
	ctx := context.Background()

	lock := locker.NewLock("probe-history-cleanup")
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Extend(ctx, 2*time.Minute))
	assert.Equal(t, 2*time.Minute, mr.TTL(lock.Key()))

	mr.FastForward(3 * time.Minute)
	assert.ErrorIs(t, lock.Extend(ctx, time.Minute), ErrLockNotHeld)
}

func TestRedisLocker_WithLock(t *testing.T) {
	mr, locker := setupLocker(t)
	ctx := context.Background()

	var ran bool
	err := locker.WithLock(ctx, "endpoint-reconcile", func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists("endpoints:job:endpoint-reconcile"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("endpoints:job:endpoint-reconcile"), "released after fn")

	require.NoError(t, mr.Set("endpoints:job:endpoint-reconcile", "other-instance"))
	err = locker.WithLock(ctx, "endpoint-reconcile", func(ctx context.Context) error {
		t.Fatal("must not run while another instance holds the lock")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockAcquireFailed)

	errJob := errors.New("job failed")
	mr.Del("endpoints:job:endpoint-reconcile")
	err = locker.WithLock(ctx, "endpoint-reconcile", func(ctx context.Context) error { return errJob })
	assert.ErrorIs(t, err, errJob)
	assert.False(t, mr.Exists("endpoints:job:endpoint-reconcile"))
}

func TestRedisLock_AcquireError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.CustomMatch(func(expected, actual []interface{}) error { return nil }).
		ExpectSetNX("endpoints:job:endpoint-reconcile", "", 30*time.Second).
		SetErr(errors.New("dial tcp: connection refused"))

	locker := NewRedisLocker(client, "endpoints:job:", 0)
	err := locker.WithLock(context.Background(), "endpoint-reconcile", func(ctx context.Context) error {
		t.Fatal("must not run without the lock")
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire lock failed")
	assert.NotErrorIs(t, err, ErrLockAcquireFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLocker_WithLockRenews(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewRedisLocker(client, "endpoints:job:", 200*time.Millisecond)

	err := locker.WithLock(context.Background(), "endpoint-reconcile", func(ctx context.Context) error {
		// miniredis 不会自动过期，用 TTL 被重置来确认续期
		mr.SetTTL("endpoints:job:endpoint-reconcile", 10*time.Millisecond)
		assert.Eventually(t, func() bool {
			return mr.TTL("endpoints:job:endpoint-reconcile") == 200*time.Millisecond
		}, time.Second, 10*time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("endpoints:job:endpoint-reconcile"))
}

func TestRedisLocker_WithLockLost(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewRedisLocker(client, "endpoints:job:", 100*time.Millisecond)

	err := locker.WithLock(context.Background(), "endpoint-reconcile", func(ctx context.Context) error {
		// 另一个实例在锁过期后拿走了锁
		require.NoError(t, mr.Set("endpoints:job:endpoint-reconcile", "other-instance"))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("holder context was not cancelled")
		}
	})
	assert.ErrorIs(t, err, ErrLockLost)
	assert.Contains(t, err.Error(), context.Canceled.Error())

	val, getErr := mr.Get("endpoints:job:endpoint-reconcile")
	require.NoError(t, getErr)
	assert.Equal(t, "other-instance", val, "release must not delete another holder's lock")
}
