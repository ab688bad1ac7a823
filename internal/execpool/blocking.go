package execpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gantrylab/gantry/internal/errkind"
)

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Workers   int   `json:"workers"`
	QueueLen  int   `json:"queue_len"`
	QueueCap  int   `json:"queue_cap"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
}

type blockingTask struct {
	ctx  context.Context
	fn   func() (any, error)
	done chan result
}

type result struct {
	value any
	err   error
}

// BlockingPool runs synchronous handlers and blocking I/O on a fixed
// set of worker goroutines so they never stall the cooperative path.
type BlockingPool struct {
	workers     int
	queue       chan blockingTask
	blockOnFull bool
	taskTimeout time.Duration

	// submitMu fences Run's enqueue against Stop closing the queue.
	submitMu  sync.RWMutex
	started   atomic.Bool
	stopping  atomic.Bool
	running   atomic.Int64
	completed atomic.Int64
	wg        sync.WaitGroup
}

// NewBlockingPool sizes the pool; Start launches the workers.
func NewBlockingPool(workers, queueDepth int, blockOnFull bool, taskTimeout time.Duration) *BlockingPool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &BlockingPool{
		workers:     workers,
		queue:       make(chan blockingTask, queueDepth),
		blockOnFull: blockOnFull,
		taskTimeout: taskTimeout,
	}
}

// Start launches the workers. Idempotent.
func (p *BlockingPool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *BlockingPool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		// The caller may have gone away while the task queued.
		if task.ctx.Err() != nil {
			task.done <- result{err: errkind.Classify(task.ctx.Err())}
			continue
		}
		p.running.Add(1)
		task.done <- runProtected(task.fn)
		p.running.Add(-1)
		p.completed.Add(1)
	}
}

// runProtected executes fn, converting a panic into an Internal error
// so a broken handler never takes a worker down.
func runProtected(fn func() (any, error)) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res = result{err: errkind.Newf(errkind.Internal, "panic", "handler panic: %v", r)}
		}
	}()
	v, err := fn()
	return result{value: v, err: err}
}

// Run schedules fn on a worker and waits for it. Errors propagate
// unchanged. Submitting before Start returns NotStarted; a full queue
// blocks or returns Overloaded per pool configuration.
func (p *BlockingPool) Run(ctx context.Context, fn func() (any, error)) (any, error) {
	task := blockingTask{ctx: ctx, fn: fn, done: make(chan result, 1)}
	if err := p.enqueue(ctx, task); err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if p.taskTimeout > 0 {
		t := time.NewTimer(p.taskTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-task.done:
		return res.value, res.err
	case <-ctx.Done():
		// Best-effort cancel: the worker finishes the current step
		// and the buffered done channel absorbs the result.
		return nil, errkind.Classify(ctx.Err())
	case <-timeout:
		return nil, errkind.Newf(errkind.Timeout, "timeout", "pool task exceeded %s", p.taskTimeout)
	}
}

// enqueue places the task on the queue under the submit lock so Stop
// never closes the channel out from under a blocked sender.
func (p *BlockingPool) enqueue(ctx context.Context, task blockingTask) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if !p.started.Load() || p.stopping.Load() {
		return errkind.ErrNotStarted
	}
	if p.blockOnFull {
		select {
		case p.queue <- task:
			return nil
		case <-ctx.Done():
			return errkind.Classify(ctx.Err())
		}
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return errkind.ErrOverloaded
	}
}

// Stop drains queued tasks and waits for workers. With cancelPending
// the queue is aborted instead: queued tasks get a Cancelled result.
func (p *BlockingPool) Stop(cancelPending bool) {
	if !p.started.Load() {
		return
	}
	p.submitMu.Lock()
	if !p.stopping.CompareAndSwap(false, true) {
		p.submitMu.Unlock()
		return
	}
	p.submitMu.Unlock()
	if cancelPending {
		for {
			select {
			case task := <-p.queue:
				task.done <- result{err: errkind.ErrCancelled}
			default:
				close(p.queue)
				p.wg.Wait()
				return
			}
		}
	}
	close(p.queue)
	p.wg.Wait()
}

// Started reports whether the pool accepts work.
func (p *BlockingPool) Started() bool {
	return p.started.Load() && !p.stopping.Load()
}

// Stats snapshots queue and worker counters.
func (p *BlockingPool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		QueueLen:  len(p.queue),
		QueueCap:  cap(p.queue),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
	}
}

// String implements fmt.Stringer for log lines.
func (p *BlockingPool) String() string {
	return fmt.Sprintf("blocking-pool(workers=%d, queued=%d)", p.workers, len(p.queue))
}
