// Package sweeplock provides namespace-level advisory locks for background
// sweeps. A lock covers one (namespace, sweep kind) pair so two sweeps of the
// same kind never overlap, while sweeps of different kinds may.
package sweeplock

import (
	"context"
	"sync"
)

type (
	// Locker acquires an advisory lock for a key. TryAcquire never blocks: it
	// reports false when another holder owns the key.
	Locker interface {
		TryAcquire(ctx context.Context, key string) (release func(), acquired bool, err error)
	}

	// LocalLocker is a process-local Locker for single-process deployments
	// and tests.
	LocalLocker struct {
		mu   sync.Mutex
		held map[string]struct{}
	}
)

var _ Locker = (*LocalLocker)(nil)

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}
	return release, true, nil
}
