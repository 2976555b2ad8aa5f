package redisclient

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// localLocker is an in-process Locker for tests and single-node tooling. It
// blocks instead of failing on contention, which still satisfies the
// coordinator's serialization contract.
type localLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewLocalLocker() Locker {
	return &localLocker{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *localLocker) WithSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[slotID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[slotID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}
