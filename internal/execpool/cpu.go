package execpool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gantrylab/gantry/internal/errkind"
)

// CPUFunc is a unit of CPU-bound work. state is the value produced by
// the worker's initializer and is reused across every task that lands
// on that worker.
type CPUFunc func(state any) (any, error)

type cpuTask struct {
	ctx  context.Context
	fn   CPUFunc
	done chan result
}

// CPUPool runs CPU-bound work on its own workers so number crunching
// never starves the blocking pool. Each worker owns a private state
// value built once by the initializer (caches, compiled tables).
type CPUPool struct {
	workers     int
	queue       chan cpuTask
	blockOnFull bool
	initializer func() any

	submitMu  sync.RWMutex
	started   atomic.Bool
	stopping  atomic.Bool
	running   atomic.Int64
	completed atomic.Int64
	wg        sync.WaitGroup
}

// NewCPUPool sizes the pool. Zero workers means one per CPU. The
// initializer may be nil, in which case workers carry nil state.
func NewCPUPool(workers, queueDepth int, blockOnFull bool, initializer func() any) *CPUPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &CPUPool{
		workers:     workers,
		queue:       make(chan cpuTask, queueDepth),
		blockOnFull: blockOnFull,
		initializer: initializer,
	}
}

// Start launches the workers, running each worker's initializer first.
func (p *CPUPool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *CPUPool) worker() {
	defer p.wg.Done()
	var state any
	if p.initializer != nil {
		state = p.initializer()
	}
	for task := range p.queue {
		if task.ctx.Err() != nil {
			task.done <- result{err: errkind.Classify(task.ctx.Err())}
			continue
		}
		p.running.Add(1)
		task.done <- runProtectedCPU(task.fn, state)
		p.running.Add(-1)
		p.completed.Add(1)
	}
}

func runProtectedCPU(fn CPUFunc, state any) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res = result{err: errkind.Newf(errkind.Internal, "panic", "cpu task panic: %v", r)}
		}
	}()
	v, err := fn(state)
	return result{value: v, err: err}
}

// Run schedules fn and waits for its result. The contract matches
// BlockingPool.Run: NotStarted before Start, Overloaded or block on a
// full queue, context cancellation abandons the wait.
func (p *CPUPool) Run(ctx context.Context, fn CPUFunc) (any, error) {
	task := cpuTask{ctx: ctx, fn: fn, done: make(chan result, 1)}
	if err := p.enqueue(ctx, task); err != nil {
		return nil, err
	}

	select {
	case res := <-task.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, errkind.Classify(ctx.Err())
	}
}

func (p *CPUPool) enqueue(ctx context.Context, task cpuTask) error {
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

// Stop drains the queue and waits; cancelPending aborts queued tasks.
func (p *CPUPool) Stop(cancelPending bool) {
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
func (p *CPUPool) Started() bool {
	return p.started.Load() && !p.stopping.Load()
}

// Stats snapshots queue and worker counters.
func (p *CPUPool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		QueueLen:  len(p.queue),
		QueueCap:  cap(p.queue),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
	}
}
