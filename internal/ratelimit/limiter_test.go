package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireWithinBudgetIsImmediate(t *testing.T) {
	l := New(3, 100*time.Millisecond)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	require.Equal(t, 3, l.Len())
}

func TestAcquireBlocksUntilWindowSlides(t *testing.T) {
	l := New(1, 30*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	start := time.Now()
	require.NoError(t, l.Acquire(ctx))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	l := New(1, time.Second)
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err := l.Acquire(cctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentAcquirersAllEventuallySucceed(t *testing.T) {
	l := New(2, 20*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() { done <- l.Acquire(ctx) }()
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, <-done)
	}
}
