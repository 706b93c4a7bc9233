package services

import (
	"context"
	"sync"
	"time"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/repository"
)

// Locker hands out named mutual-exclusion locks. TryLock returns
// repository.ErrLockHeld when the lock is taken.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (func(), error)
}

// LocalLocker serialises jobs within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, name string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return nil, repository.ErrLockHeld
	}
	l.held[name] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, nil
}
