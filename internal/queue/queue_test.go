package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond}

func TestBackoffDoubles(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(0))
}

func TestInlineRetriesUntilSuccess(t *testing.T) {
	calls := 0
	q := NewInline(func(ctx context.Context, job Job) error {
		calls++
		if calls < 3 {
			return errors.New("provider down")
		}
		return nil
	}, fastRetry, zerolog.Nop())

	require.NoError(t, q.Enqueue(context.Background(), Job{Name: JobGenerateEmbedding, RecordID: "r1"}))
	assert.Equal(t, 3, calls)
}

func TestInlineGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("provider down")
	q := NewInline(func(ctx context.Context, job Job) error {
		calls++
		return boom
	}, fastRetry, zerolog.Nop())

	err := q.Enqueue(context.Background(), Job{Name: JobGenerateEmbedding, RecordID: "r1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	calls := 0
	boom := errors.New("record gone")
	q := NewInline(func(ctx context.Context, job Job) error {
		calls++
		return Permanent(boom)
	}, fastRetry, zerolog.Nop())

	err := q.Enqueue(context.Background(), Job{RecordID: "r1"})
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Nil(t, Permanent(nil))
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	q := NewInline(func(ctx context.Context, job Job) error {
		calls++
		cancel()
		return errors.New("fail")
	}, RetryPolicy{MaxAttempts: 3, BackoffBase: time.Hour}, zerolog.Nop())

	err := q.Enqueue(ctx, Job{RecordID: "r1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestAttemptTimeoutBoundsHandler(t *testing.T) {
	calls := 0
	q := NewInline(func(ctx context.Context, job Job) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	}, RetryPolicy{MaxAttempts: 1, AttemptTimeout: 20 * time.Millisecond}, zerolog.Nop())

	start := time.Now()
	err := q.Enqueue(context.Background(), Job{Name: JobGenerateEmbedding, RecordID: "r1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPoolProcessesJobs(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	p := NewPool(PoolConfig{Workers: 3, QueueSize: 10, Retry: fastRetry}, func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen[job.RecordID]++
		return nil
	}, zerolog.Nop())
	p.Start(context.Background())

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, p.Enqueue(context.Background(), Job{Name: JobGenerateEmbedding, RecordID: id}))
	}
	p.Close()

	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1}, seen)
	processed, failed := p.Stats()
	assert.Equal(t, int64(4), processed)
	assert.Equal(t, int64(0), failed)
}

func TestPoolCountsFailures(t *testing.T) {
	var calls atomic.Int32
	p := NewPool(PoolConfig{Workers: 1, QueueSize: 1, Retry: fastRetry}, func(ctx context.Context, job Job) error {
		calls.Add(1)
		return errors.New("always")
	}, zerolog.Nop())
	p.Start(context.Background())

	require.NoError(t, p.Enqueue(context.Background(), Job{RecordID: "x"}))
	p.Close()

	_, failed := p.Stats()
	assert.Equal(t, int64(1), failed)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPoolQueueFull(t *testing.T) {
	p := NewPool(PoolConfig{Workers: 1, QueueSize: 1}, func(ctx context.Context, job Job) error { return nil }, zerolog.Nop())

	// not started, so nothing drains the buffer
	require.NoError(t, p.Enqueue(context.Background(), Job{RecordID: "1"}))
	assert.ErrorIs(t, p.Enqueue(context.Background(), Job{RecordID: "2"}), ErrQueueFull)
	assert.Equal(t, 1, p.Len())
}

func TestPoolClosed(t *testing.T) {
	p := NewPool(PoolConfig{Workers: 1, QueueSize: 1}, func(ctx context.Context, job Job) error { return nil }, zerolog.Nop())
	p.Start(context.Background())
	p.Close()
	p.Close()

	assert.ErrorIs(t, p.Enqueue(context.Background(), Job{RecordID: "1"}), ErrClosed)
}

func TestPoolRateLimit(t *testing.T) {
	var calls atomic.Int32
	p := NewPool(PoolConfig{Workers: 2, QueueSize: 10, RatePerSecond: 20, Retry: fastRetry}, func(ctx context.Context, job Job) error {
		calls.Add(1)
		return nil
	}, zerolog.Nop())
	p.Start(context.Background())

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Enqueue(context.Background(), Job{RecordID: "r"}))
	}
	p.Close()

	assert.Equal(t, int32(4), calls.Load())
	// burst of one, then 50ms per token
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}
