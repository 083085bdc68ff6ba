package lock

import (
	"context"
	"fmt"
	"time"
)

// DistributedLock 实体锁接口
// 同一 key 上的操作串行执行：单实例使用进程内锁，多实例使用 Redis
type DistributedLock interface {
	// Lock 获取锁，阻塞直到成功或 ctx 结束
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// TryLock 尝试获取锁，立即返回
	// 返回 true 表示成功获取锁，false 表示锁已被占用
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock 释放锁
	Unlock(ctx context.Context, key string) error

	// Extend 延长锁的过期时间
	Extend(ctx context.Context, key string, ttl time.Duration) error

	// Close 关闭连接
	Close() error
}

// WithLock 在 key 锁内执行 fn
func WithLock(ctx context.Context, l DistributedLock, key string, ttl time.Duration, fn func() error) error {
	if err := l.Lock(ctx, key, ttl); err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	defer l.Unlock(context.Background(), key)
	return fn()
}

// NopLock 空实现（调用方自行保证串行）
type NopLock struct{}

func NewNopLock() *NopLock {
	return &NopLock{}
}

func (n *NopLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (n *NopLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (n *NopLock) Unlock(ctx context.Context, key string) error {
	return nil
}

func (n *NopLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (n *NopLock) Close() error {
	return nil
}
