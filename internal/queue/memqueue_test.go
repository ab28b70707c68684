package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemQueueEnqueueConsume(t *testing.T) {
	q := NewMemQueue()
	var got atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go q.Consume(ctx, LabelPlan, 1, func(_ context.Context, job Job) error {
		got.Add(1)
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, LabelPlan, []byte("item-1")))
	require.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemQueueDelayedNotDeliveredEarly(t *testing.T) {
	q := NewMemQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.EnqueueDelayed(ctx, LabelVerify, []byte("x"), 200*time.Millisecond))
	assert.Equal(t, 1, q.Len(LabelVerify))

	var delivered atomic.Bool
	go q.Consume(ctx, LabelVerify, 1, func(_ context.Context, job Job) error {
		delivered.Store(true)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, delivered.Load(), "job should not be delivered before its delay elapses")

	require.Eventually(t, func() bool { return delivered.Load() }, time.Second, 5*time.Millisecond)
}

func TestMemQueueRetryOnFailure(t *testing.T) {
	q := NewMemQueue()
	q.maxAttempts = 3
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	go q.Consume(ctx, LabelPost, 1, func(_ context.Context, job Job) error {
		attempts.Add(1)
		if job.Attempt < 3 {
			return errors.New("transient failure")
		}
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, LabelPost, []byte("y")))
	// Retries back off 2s then 4s (BackoffDelay with a 1s base), so the
	// third attempt arrives about 6s after the first.
	require.Eventually(t, func() bool { return attempts.Load() == 3 }, 10*time.Second, 10*time.Millisecond)
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	assert.Equal(t, time.Second, BackoffDelay(time.Second, 1, time.Minute))
	assert.Equal(t, 2*time.Second, BackoffDelay(time.Second, 2, time.Minute))
	assert.Equal(t, time.Minute, BackoffDelay(time.Second, 20, time.Minute))
}
