package testlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesConcurrentAccess(t *testing.T) {
	var lock ScopedLock
	counter := 0

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := lock.Lock()
			defer unlock()
			current := counter
			time.Sleep(time.Microsecond)
			counter = current + 1
		}()
	}
	wg.Wait()

	assert.Equal(t, n, counter)
}

func TestLockContextSucceedsWhenUncontended(t *testing.T) {
	var lock ScopedLock
	unlock, err := lock.LockContext(context.Background())
	require.NoError(t, err)
	unlock()
}

func TestLockContextTimesOutWhenHeld(t *testing.T) {
	var lock ScopedLock
	unlock := lock.Lock()
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := lock.LockContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockContextEventualAcquisitionDoesNotLeakHeldForever(t *testing.T) {
	var lock ScopedLock
	unlock := lock.Lock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := lock.LockContext(ctx)
	require.Error(t, err)

	unlock()

	acquired := make(chan struct{})
	go func() {
		u := lock.Lock()
		u()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was never released after the timed-out waiter drained")
	}
}
