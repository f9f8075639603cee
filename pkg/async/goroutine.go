// Package async runs background work with panic recovery, timeouts and
// bounded concurrency. Use it instead of bare go statements.
package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/netforge/pkg/observability"
)

var (
	// ErrPoolClosed is returned when submitting to a pool after Shutdown
	ErrPoolClosed = errors.New("worker pool shut down")
	// ErrQueueFull is returned by TrySubmit when the queue has no room
	ErrQueueFull = errors.New("worker pool queue full")
)

// SafeGo runs fn in a goroutine with panic recovery and a timeout. The
// goroutine keeps the values of parentCtx (request ID, logger) but not its
// cancellation, so work scheduled from a handler survives the response.
//
//	async.SafeGo(r.Context(), 5*time.Second, "usage increment", func(ctx context.Context) error {
//	    return orgService.IncrementDesigns(ctx, orgID)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		logger := observability.FromContext(ctx).WithField("task", taskName)
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("panic in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).Warn("background task failed")
		}
	}()
}

// Task is a unit of work for a WorkerPool
type Task func(ctx context.Context) error

// WorkerPool runs tasks on a fixed number of goroutines fed by a bounded queue
type WorkerPool struct {
	name    string
	timeout time.Duration
	logger  *observability.Logger
	onError func(error)

	queue  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closing   chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// PoolOption configures a WorkerPool
type PoolOption func(*WorkerPool)

// WithErrorHandler is called with every task error, including recovered panics
func WithErrorHandler(fn func(error)) PoolOption {
	return func(p *WorkerPool) { p.onError = fn }
}

// WithLogger sets the pool logger
func WithLogger(logger *observability.Logger) PoolOption {
	return func(p *WorkerPool) { p.logger = logger }
}

// NewWorkerPool starts workers goroutines draining a queue of queueSize.
// Each task runs with its own timeout derived from ctx.
func NewWorkerPool(ctx context.Context, name string, workers, queueSize int, timeout time.Duration, opts ...PoolOption) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		name:    name,
		timeout: timeout,
		logger:  observability.NopLogger(),
		queue:   make(chan Task, queueSize),
		closing: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithField("pool", name)

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues a task, blocking until there is room, ctx ends or the pool closes
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrPoolClosed
	}
}

// TrySubmit queues a task without blocking
func (p *WorkerPool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued tasks not yet picked up
func (p *WorkerPool) Pending() int {
	return len(p.queue)
}

// Shutdown stops accepting tasks and waits up to timeout for queued work to
// drain. Running tasks are cancelled when the timeout passes.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	// Wake blocked submitters before taking the write lock.
	p.closeOnce.Do(func() { close(p.closing) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		<-done
		return fmt.Errorf("worker pool %s shutdown timed out after %v", p.name, timeout)
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *WorkerPool) run(task Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = observability.PanicError(r)
				p.logger.WithField("stack", string(debug.Stack())).WithError(err).Error("panic in pool task")
			}
		}()
		err = task(ctx)
	}()

	if err != nil {
		p.logger.WithError(err).Warn("pool task failed")
		if p.onError != nil {
			p.onError(err)
		}
	}
}

// Batch applies fn to every item with at most workers in flight and returns
// every error encountered, in no particular order.
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration, fn func(context.Context, T) error) []error {
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	if workers > 0 {
		g.SetLimit(workers)
	}

	var mu sync.Mutex
	var errs []error
	for _, item := range items {
		item := item
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				errs = append(errs, ctx.Err())
				mu.Unlock()
				return nil
			}
			tctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			if err := fn(tctx, item); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
