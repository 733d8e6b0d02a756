// Package runlock serializes runs of the same automation code.
//
// A run that finds its code already locked is rejected rather than queued:
// a manual trigger racing a scheduled retry should not produce two
// overlapping execution records.
package runlock

import (
	"context"
	"errors"
	"sync"
)

var ErrLocked = errors.New("automation is already running")

// Locker acquires a per-code lock without blocking. On success the returned
// release func must be called exactly once.
type Locker interface {
	TryLock(ctx context.Context, code string) (release func(), err error)
}

// KeyedMutex is an in-process Locker.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]struct{})}
}

func (k *KeyedMutex) TryLock(ctx context.Context, code string) (func(), error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, busy := k.held[code]; busy {
		return nil, ErrLocked
	}
	k.held[code] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.held, code)
			k.mu.Unlock()
		})
	}, nil
}

// Held reports whether code is currently locked.
func (k *KeyedMutex) Held(code string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.held[code]
	return ok
}
