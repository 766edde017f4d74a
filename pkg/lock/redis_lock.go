// Package lock 基于 Redis 的分布式锁，多实例部署时保证同一时刻只有一个实例执行探测
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-endpoints/pkg/logger"
)

var (
	// ErrLockNotHeld 锁未持有
	ErrLockNotHeld = errors.New("lock not held")
	// ErrLockAcquireFailed 获取锁失败
	ErrLockAcquireFailed = errors.New("failed to acquire lock")
	// ErrLockLost 持有期间续期失败
	ErrLockLost = errors.New("lock lost while held")
)

// 只有持有者才能释放
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// 只有持有者才能续期
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisLock Redis 分布式锁
type RedisLock struct {
	client     redis.UniversalClient
	key        string
	value      string
	expiration time.Duration
}

// RedisLocker 锁管理器
type RedisLocker struct {
	client     redis.UniversalClient
	keyPrefix  string
	expiration time.Duration
}

// NewRedisLocker 创建锁管理器
func NewRedisLocker(client redis.UniversalClient, keyPrefix string, expiration time.Duration) *RedisLocker {
	if expiration <= 0 {
		expiration = 30 * time.Second
	}
	return &RedisLocker{
		client:     client,
		keyPrefix:  keyPrefix,
		expiration: expiration,
	}
}

// NewLock 创建一个新锁，持有者标识为随机 uuid
func (l *RedisLocker) NewLock(key string) *RedisLock {
	return &RedisLock{
		client:     l.client,
		key:        l.keyPrefix + key,
		value:      uuid.NewString(),
		expiration: l.expiration,
	}
}

// Key 完整的锁 key
func (lock *RedisLock) Key() string {
	return lock.key
}

// Acquire 非阻塞获取锁
func (lock *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := lock.client.SetNX(ctx, lock.key, lock.value, lock.expiration).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock failed: %w", err)
	}
	return ok, nil
}

// Release 释放锁
func (lock *RedisLock) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, lock.client, []string{lock.key}, lock.value).Int64()
	if err != nil {
		return fmt.Errorf("release lock failed: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Extend 续期
func (lock *RedisLock) Extend(ctx context.Context, extension time.Duration) error {
	result, err := extendScript.Run(ctx, lock.client, []string{lock.key}, lock.value, extension.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock failed: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// WithLock 在锁保护下执行函数，锁被占用时返回 ErrLockAcquireFailed。
// fn 执行期间每半个过期时间续期一次；续期失败说明锁已丢失，fn 的 context 被取消并返回 ErrLockLost
func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (err error) {
	lock := l.NewLock(key)

	ok, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockAcquireFailed
	}

	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(lock.expiration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := lock.Extend(context.WithoutCancel(ctx), lock.expiration); err != nil {
					lost.Store(true)
					logger.Named("lock").Warn("lock lost, cancelling holder",
						zap.String("key", lock.key),
						zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()

	stop := sync.OnceFunc(func() {
		close(done)
		<-stopped
	})
	defer func() {
		stop()
		// 锁可能已过期，忽略错误
		_ = lock.Release(context.WithoutCancel(ctx))
	}()

	err = fn(fnCtx)
	stop()
	if lost.Load() {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLockLost, err)
		}
		return ErrLockLost
	}
	return err
}
