package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(zap.NewNop().Sugar(), WithConcurrency(2))
	var running, peak, done int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func(ctx context.Context) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&done, 1)
		}))
	}
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, int32(10), atomic.LoadInt32(&done))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPool_Schedule(t *testing.T) {
	p := NewPool(zap.NewNop().Sugar())
	defer p.Stop(context.Background())

	fired := make(chan time.Time, 1)
	start := time.Now()
	require.NoError(t, p.Schedule(20*time.Millisecond, func(ctx context.Context) { fired <- time.Now() }))
	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 20*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task never ran")
	}
}

func TestPool_StopDropsPendingAndRejects(t *testing.T) {
	p := NewPool(zap.NewNop().Sugar())
	var ran int32
	require.NoError(t, p.Schedule(time.Hour, func(ctx context.Context) { atomic.AddInt32(&ran, 1) }))
	assert.Equal(t, 1, p.Pending())

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 0, p.Pending())
	assert.ErrorIs(t, p.Submit(func(ctx context.Context) {}), ErrStopped)
	assert.ErrorIs(t, p.Schedule(time.Second, func(ctx context.Context) {}), ErrStopped)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestPool_RecoversPanics(t *testing.T) {
	p := NewPool(zap.NewNop().Sugar(), WithConcurrency(1))
	var after int32
	require.NoError(t, p.Submit(func(ctx context.Context) { panic("boom") }))
	require.NoError(t, p.Submit(func(ctx context.Context) { atomic.AddInt32(&after, 1) }))
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&after))
}
