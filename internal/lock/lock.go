// Package lock provides per-batch advisory locks so that a batch is never
// advanced by two workers at once.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned by TryLock when another holder owns the key.
var ErrLocked = errors.New("lock held")

// Locker hands out exclusive, non-blocking locks keyed by batch id.
type Locker interface {
	// TryLock acquires key or returns ErrLocked. The returned func releases it.
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// Local is an in-process Locker for single-instance deployments.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal returns an empty in-process Locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
