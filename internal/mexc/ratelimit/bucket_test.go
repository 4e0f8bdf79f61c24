package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBurstIsAtLeastOne(t *testing.T) {
	b := NewBucket(0.5)
	require.NoError(t, b.Acquire(context.Background()))
}

func TestAcquirePacesRequests(t *testing.T) {
	b := NewBucket(50)
	ctx := context.Background()

	// Drain the initial burst, then measure the paced tail.
	for i := 0; i < 50; i++ {
		require.NoError(t, b.Acquire(ctx))
	}
	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Acquire(ctx))
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "10 tokens at 50 rps should take ~200ms")
}

func TestAcquireHonorsContext(t *testing.T) {
	b := NewBucket(0.001)
	require.NoError(t, b.Acquire(context.Background())) // burst token

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Acquire(ctx)
	require.Error(t, err)
}

func TestSetRate(t *testing.T) {
	b := NewBucket(1)
	b.SetRate(100)
	require.NoError(t, b.Acquire(context.Background()))
	start := time.Now()
	require.NoError(t, b.Acquire(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
