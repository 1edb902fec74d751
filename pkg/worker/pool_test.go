package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesSubmittedWork(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool[int](2, 8, func(_ context.Context, _ int) error {
		processed.Add(1)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(5), processed.Load())

	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.Submitted)
	assert.Equal(t, int64(5), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestSubmitBeforeStartFails(t *testing.T) {
	pool := NewPool[int](1, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool[int](1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// One in flight, one queued; the rest drop.
	dropped := 0
	for i := 0; i < 10; i++ {
		if err := pool.Submit(i); errors.Is(err, ErrQueueFull) {
			dropped++
		}
	}
	assert.Greater(t, dropped, 0)
	close(block)
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(dropped), pool.Stats().Dropped)
}

func TestSubmitWaitBlocksUntilRoom(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool[int](1, 1, func(_ context.Context, _ int) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.SubmitWait(context.Background(), 1)) // picked up by the worker
	require.NoError(t, pool.SubmitWait(context.Background(), 2)) // sits in the queue

	var wg sync.WaitGroup
	wg.Add(1)
	blockedErr := error(nil)
	go func() {
		defer wg.Done()
		blockedErr = pool.SubmitWait(context.Background(), 3)
	}()

	close(release)
	wg.Wait()
	require.NoError(t, blockedErr)
	require.NoError(t, pool.Stop(time.Second))
}

func TestSubmitWaitHonorsContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	pool := NewPool[int](1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	_ = pool.Submit(1)
	_ = pool.Submit(2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.SubmitWait(ctx, 3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFailedWorkCounted(t *testing.T) {
	pool := NewPool[int](1, 4, func(_ context.Context, n int) error {
		if n%2 == 1 {
			return errors.New("odd")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(2), pool.Stats().Failed)
}

func TestDoubleStartAndStop(t *testing.T) {
	pool := NewPool[int](1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second)) // idempotent
	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)
}

func TestNilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[int](1, 1, nil)
	})
}
