package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSafeGo_RunsAfterParentCancelled(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	SafeGo(parent, time.Second, "detached", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		done <- ctx.Err()
		return nil
	})
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "task context must not inherit parent cancellation")
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestSafeGo_Timeout(t *testing.T) {
	done := make(chan error, 1)
	SafeGo(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("timeout not enforced")
	}
}

func TestSafeGo_PanicRecovery(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	SafeGo(context.Background(), time.Second, "panicky", func(ctx context.Context) error {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()
	time.Sleep(10 * time.Millisecond)
}

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), "test", 3, 10, time.Second)

	var count int32
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&count, 1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(20), atomic.LoadInt32(&count))
}

func TestWorkerPool_ErrorHandler(t *testing.T) {
	var mu sync.Mutex
	var got []error
	pool := NewWorkerPool(context.Background(), "errors", 2, 4, time.Second, WithErrorHandler(func(err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	}))

	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { return errors.New("render failed") }))
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { panic("bad template") }))
	require.NoError(t, pool.Shutdown(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 2)
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), "closed", 1, 1, time.Second)
	require.NoError(t, pool.Shutdown(time.Second))
	require.NoError(t, pool.Shutdown(time.Second), "second shutdown is a no-op")

	assert.ErrorIs(t, pool.Submit(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)
	assert.ErrorIs(t, pool.TrySubmit(func(context.Context) error { return nil }), ErrPoolClosed)
}

func TestWorkerPool_TrySubmitQueueFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	pool := NewWorkerPool(context.Background(), "full", 1, 1, time.Second)

	require.NoError(t, pool.TrySubmit(func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started
	require.NoError(t, pool.TrySubmit(func(context.Context) error { return nil }))
	assert.ErrorIs(t, pool.TrySubmit(func(context.Context) error { return nil }), ErrQueueFull)

	close(block)
	require.NoError(t, pool.Shutdown(time.Second))
}

func TestWorkerPool_ShutdownTimeoutCancelsTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), "stuck", 1, 1, time.Minute)
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	err := pool.Shutdown(20 * time.Millisecond)
	assert.Error(t, err)
}

func TestBatch(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6}
	var sum int64

	errs := Batch(context.Background(), items, 2, time.Second, func(ctx context.Context, n int) error {
		atomic.AddInt64(&sum, int64(n))
		if n%3 == 0 {
			return errors.New("divisible by three")
		}
		return nil
	})

	assert.Equal(t, int64(21), sum)
	assert.Len(t, errs, 2)
}

func TestBatch_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errs := Batch(ctx, []string{"a", "b"}, 1, time.Second, func(ctx context.Context, s string) error {
		return nil
	})
	assert.Len(t, errs, 2)
}
