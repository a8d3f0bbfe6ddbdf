package pools

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Task represents a unit of work
type Task func()

// ErrPoolClosed is returned by Submit after Close
var ErrPoolClosed = errors.New("pools: worker pool closed")

// PanicHandler receives the value and stack of a recovered task panic
type PanicHandler func(v any, stack []byte)

// WorkerPool runs a fixed number of goroutines draining one bounded FIFO
// queue. Each worker runs a task to completion before taking the next, so a
// task is never executed by two workers at once.
type WorkerPool struct {
	numWorkers int
	tasks      chan Task
	wg         sync.WaitGroup
	onPanic    PanicHandler

	// mu guards closed against concurrent Submit; Submit holds the read side
	// while it may block on a full queue.
	mu     sync.RWMutex
	closed bool

	// Statistics
	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		panics         atomic.Uint64
		busy           atomic.Int64
	}
}

// NewWorkerPool starts numWorkers goroutines behind a queue of queueSize.
// numWorkers <= 0 uses runtime.NumCPU(); queueSize <= 0 uses 64 per worker.
func NewWorkerPool(numWorkers, queueSize int) *WorkerPool {
	return NewWorkerPoolWithPanicHandler(numWorkers, queueSize, nil)
}

// NewWorkerPoolWithPanicHandler is NewWorkerPool with a hook for recovered panics
func NewWorkerPoolWithPanicHandler(numWorkers, queueSize int, onPanic PanicHandler) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = numWorkers * 64
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
		tasks:      make(chan Task, queueSize),
		onPanic:    onPanic,
	}

	pool.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go pool.worker()
	}

	return pool
}

// Submit enqueues task, blocking while the queue is full. It returns
// ErrPoolClosed once the pool is closed, or ctx.Err() if ctx ends first.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		p.stats.tasksSubmitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit enqueues task only if the queue has room
func (p *WorkerPool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	select {
	case p.tasks <- task:
		p.stats.tasksSubmitted.Add(1)
		return true
	default:
		return false
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for task := range p.tasks {
		p.run(task)
	}
}

// run executes one task behind a failure boundary
func (p *WorkerPool) run(task Task) {
	p.stats.busy.Add(1)
	defer func() {
		p.stats.busy.Add(-1)
		p.stats.tasksCompleted.Add(1)
		if v := recover(); v != nil {
			p.stats.panics.Add(1)
			if p.onPanic != nil {
				p.onPanic(v, debug.Stack())
			}
		}
	}()

	task()
}

// Close stops accepting tasks. Tasks already queued still run.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.tasks)
}

// Wait blocks until every worker has exited (after Close) or ctx ends
func (p *WorkerPool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		QueueCapacity:  cap(p.tasks),
		Queued:         len(p.tasks),
		Busy:           int(p.stats.busy.Load()),
		TasksSubmitted: p.stats.tasksSubmitted.Load(),
		TasksCompleted: p.stats.tasksCompleted.Load(),
		Panics:         p.stats.panics.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int    `json:"num_workers"`
	QueueCapacity  int    `json:"queue_capacity"`
	Queued         int    `json:"queued"`
	Busy           int    `json:"busy"`
	TasksSubmitted uint64 `json:"tasks_submitted"`
	TasksCompleted uint64 `json:"tasks_completed"`
	Panics         uint64 `json:"panics"`
}
