package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/danmuck/mllp/internal/observability"
	"golang.org/x/sync/semaphore"
)

var ErrNoWorker = errors.New("consumer: no worker available")

// WorkerPool bounds how many handlers run at once. There is no queue: the
// caller waits for a slot, at most the wait passed to Do, and runs the work
// on its own goroutine. Waiters beyond the pool size hold their connection
// open without an ack, so the server keeps that wait short.
type WorkerPool struct {
	size int
	sem  *semaphore.Weighted
	busy atomic.Int64
}

func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

func (p *WorkerPool) Size() int {
	return p.size
}

func (p *WorkerPool) Busy() int {
	return int(p.busy.Load())
}

// Do runs fn once a slot frees up. The wait is bounded by ctx and, when
// positive, by wait; running out of either returns ErrNoWorker.
func (p *WorkerPool) Do(ctx context.Context, wait time.Duration, fn func()) error {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return errors.Join(ErrNoWorker, err)
	}
	observability.SetBusyWorkers(int(p.busy.Add(1)))
	defer func() {
		observability.SetBusyWorkers(int(p.busy.Add(-1)))
		p.sem.Release(1)
	}()
	fn()
	return nil
}
