// Package testlock provides a scoped mutual-exclusion helper used only by
// tests to serialize mutations against shared cache fixtures (miniredis,
// shared in-memory handles) across goroutines racing the same scenario.
// Production code must never import this package — the coordinator itself
// holds no cross-handle lock by design (spec §5 "no coordinator-wide lock
// protects multi-handle operations"; §9 "a mutual-exclusion primitive... is
// used only by tests").
package testlock

import (
	"context"
	"sync"
)

// ScopedLock offers both a synchronous and a context-aware acquisition
// surface over a single mutex, released by calling the returned func.
type ScopedLock struct {
	mu sync.Mutex
}

// Lock blocks until acquired and returns a release function.
func (s *ScopedLock) Lock() (unlock func()) {
	s.mu.Lock()
	return s.mu.Unlock
}

// LockContext blocks until acquired or ctx is done, whichever comes first.
func (s *ScopedLock) LockContext(ctx context.Context) (unlock func(), err error) {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		close(done)
	}()

	select {
	case <-done:
		return s.mu.Unlock, nil
	case <-ctx.Done():
		// The goroutine above may still acquire the lock later; drain it
		// asynchronously so the mutex isn't leaked held-forever once it does.
		go func() {
			<-done
			s.mu.Unlock()
		}()
		return func() {}, ctx.Err()
	}
}
