package interfaces

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLock struct {
	locked   atomic.Bool
	unlocked atomic.Bool
	block    chan struct{}
}

func (l *fakeLock) Lock(ctx context.Context) error {
	if l.block != nil {
		select {
		case <-l.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.locked.Store(true)
	return nil
}

func (l *fakeLock) Unlock() error {
	l.unlocked.Store(true)
	return nil
}

type countingSweeper struct{ calls atomic.Int32 }

func (s *countingSweeper) Reconcile(context.Context, time.Duration, int) (int, error) {
	s.calls.Add(1)
	return 1, nil
}

func TestReconciler_SweepsWhileHoldingLock(t *testing.T) {
	lock := &fakeLock{}
	sweeper := &countingSweeper{}
	ctx, cancel := context.WithCancel(context.Background())

	r := NewReconciler(lock, sweeper, 10*time.Millisecond, time.Minute)
	r.Start(ctx)
	require.Eventually(t, func() bool { return sweeper.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	r.Wait()
	assert.True(t, lock.locked.Load())
	assert.True(t, lock.unlocked.Load())
}

func TestReconciler_IdleWithoutLock(t *testing.T) {
	lock := &fakeLock{block: make(chan struct{})}
	sweeper := &countingSweeper{}
	ctx, cancel := context.WithCancel(context.Background())

	r := NewReconciler(lock, sweeper, 5*time.Millisecond, time.Minute)
	r.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()
	r.Wait()

	assert.Zero(t, sweeper.calls.Load())
	assert.False(t, lock.unlocked.Load())
}
