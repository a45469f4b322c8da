// Package devlock provides the per-device advisory lock shared by health
// polling and action execution.
package devlock

import (
	"context"
	"sync"
)

// Locker hands out one lock per device id
type Locker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// New returns an empty Locker
func New() *Locker {
	return &Locker{locks: make(map[string]chan struct{})}
}

func (l *Locker) slot(deviceID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[deviceID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[deviceID] = ch
	}
	return ch
}

// Lock blocks until the device lock is held or ctx is done.
// The returned func releases the lock.
func (l *Locker) Lock(ctx context.Context, deviceID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := l.slot(deviceID)
	select {
	case ch <- struct{}{}:
		return releaser(ch), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock takes the device lock only if it is free
func (l *Locker) TryLock(deviceID string) (func(), bool) {
	ch := l.slot(deviceID)
	select {
	case ch <- struct{}{}:
		return releaser(ch), true
	default:
		return nil, false
	}
}

// Held reports whether someone currently holds the device lock
func (l *Locker) Held(deviceID string) bool {
	return len(l.slot(deviceID)) == 1
}

func releaser(ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}
}
