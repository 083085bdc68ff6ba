package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLock 进程内按 key 加锁
// 每个 key 一个容量为1的信号量，等待可被 ctx 取消；ttl 在进程内无意义，忽略
type LocalLock struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

// NewLocalLock 创建进程内锁
func NewLocalLock() *LocalLock {
	return &LocalLock{slots: make(map[string]*slot)}
}

func (l *LocalLock) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *LocalLock) releaseSlot(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Lock 获取锁，阻塞直到成功或 ctx 结束
func (l *LocalLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	s := l.acquireSlot(key)
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.releaseSlot(key, s)
		return ctx.Err()
	}
}

// TryLock 尝试获取锁，立即返回
func (l *LocalLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s := l.acquireSlot(key)
	select {
	case s.sem <- struct{}{}:
		return true, nil
	default:
		l.releaseSlot(key, s)
		return false, nil
	}
}

// Unlock 释放锁
func (l *LocalLock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	s, ok := l.slots[key]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("lock not held: %s", key)
	}
	select {
	case <-s.sem:
	default:
		return fmt.Errorf("lock not held: %s", key)
	}
	l.releaseSlot(key, s)
	return nil
}

// Extend 进程内锁不过期
func (l *LocalLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

// Close 无需释放资源
func (l *LocalLock) Close() error {
	return nil
}
