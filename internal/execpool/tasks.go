package execpool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gantrylab/gantry/internal/errkind"
)

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TaskInfo is the observable state of a task.
type TaskInfo struct {
	ID          string         `json:"id"`
	Status      TaskStatus     `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	Progress    float64        `json:"progress"`
	Error       string         `json:"error,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// TaskFunc is a long-running job. report publishes progress in [0, 1]
// and the context is cancelled when the task is.
type TaskFunc func(ctx context.Context, report func(float64)) (any, error)

// TaskOptions tweak submission.
type TaskOptions struct {
	// TaskID overrides the generated id. Duplicates are rejected.
	TaskID string
	// Meta is attached verbatim to the task's info.
	Meta map[string]any
}

type taskRecord struct {
	mu     sync.Mutex
	info   TaskInfo
	fn     TaskFunc
	value  any
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *taskRecord) snapshot() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := t.info
	if info.Meta != nil {
		m := make(map[string]any, len(info.Meta))
		for k, v := range info.Meta {
			m[k] = v
		}
		info.Meta = m
	}
	return info
}

// TaskManager tracks fire-and-forget jobs: submit returns immediately
// with an id, and the task advances pending -> running -> terminal on
// a dedicated worker set. Finished records stay queryable until
// cleared or evicted.
type TaskManager struct {
	workers      int
	keepFinished int

	mu       sync.Mutex
	tasks    map[string]*taskRecord
	finished []string

	submitMu sync.RWMutex
	stopping bool
	queue    chan *taskRecord

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	started    bool
}

// NewTaskManager sizes the manager. keepFinished bounds how many
// terminal records are retained; zero keeps a generous default.
func NewTaskManager(workers, queueDepth, keepFinished int) *TaskManager {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	if keepFinished <= 0 {
		keepFinished = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskManager{
		workers:      workers,
		keepFinished: keepFinished,
		tasks:        make(map[string]*taskRecord),
		queue:        make(chan *taskRecord, queueDepth),
		baseCtx:      ctx,
		baseCancel:   cancel,
	}
}

// Start launches the workers. Idempotent.
func (m *TaskManager) Start() {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()
	if m.started {
		return
	}
	m.started = true
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

func (m *TaskManager) worker() {
	defer m.wg.Done()
	for rec := range m.queue {
		m.execute(rec)
	}
}

func (m *TaskManager) execute(rec *taskRecord) {
	rec.mu.Lock()
	if rec.info.Status != StatusPending {
		// Cancelled while queued; nothing to run.
		rec.mu.Unlock()
		return
	}
	rec.info.Status = StatusRunning
	rec.info.StartedAt = time.Now()
	ctx, cancel := context.WithCancel(m.baseCtx)
	rec.cancel = cancel
	rec.mu.Unlock()
	defer cancel()

	report := func(p float64) {
		if p < 0 {
			p = 0
		} else if p > 1 {
			p = 1
		}
		rec.mu.Lock()
		rec.info.Progress = p
		rec.mu.Unlock()
	}

	res := runProtected(func() (any, error) { return rec.fn(ctx, report) })

	rec.mu.Lock()
	rec.info.CompletedAt = time.Now()
	switch {
	case res.err != nil && (errkind.KindOf(res.err) == errkind.Cancelled || ctx.Err() != nil):
		rec.info.Status = StatusCancelled
		rec.err = errkind.ErrCancelled
	case res.err != nil:
		rec.info.Status = StatusFailed
		rec.info.Error = res.err.Error()
		rec.err = res.err
	default:
		rec.info.Status = StatusCompleted
		rec.info.Progress = 1
		rec.value = res.value
	}
	close(rec.done)
	rec.mu.Unlock()

	m.retire(rec.info.ID)
}

// retire appends id to the finished ring and evicts the oldest
// records beyond keepFinished.
func (m *TaskManager) retire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, id)
	for len(m.finished) > m.keepFinished {
		oldest := m.finished[0]
		m.finished = m.finished[1:]
		delete(m.tasks, oldest)
	}
}

// Submit registers fn and queues it, returning the task id. A full
// queue fails fast with Overloaded so callers never hang on submit.
func (m *TaskManager) Submit(fn TaskFunc, opts TaskOptions) (string, error) {
	if fn == nil {
		return "", errkind.Newf(errkind.Validation, "bad_task", "task function is nil")
	}
	m.submitMu.RLock()
	defer m.submitMu.RUnlock()
	if !m.started || m.stopping {
		return "", errkind.ErrNotStarted
	}

	id := opts.TaskID
	if id == "" {
		id = uuid.NewString()
	}

	rec := &taskRecord{
		info: TaskInfo{
			ID:        id,
			Status:    StatusPending,
			CreatedAt: time.Now(),
			Meta:      opts.Meta,
		},
		fn:   fn,
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.tasks[id]; exists {
		m.mu.Unlock()
		return "", errkind.Newf(errkind.Validation, "duplicate_task", "task %q already exists", id)
	}
	m.tasks[id] = rec
	m.mu.Unlock()

	select {
	case m.queue <- rec:
		return id, nil
	default:
		m.mu.Lock()
		delete(m.tasks, id)
		m.mu.Unlock()
		return "", errkind.ErrOverloaded
	}
}

func (m *TaskManager) record(id string) (*taskRecord, error) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "task_not_found", "no task %q", id)
	}
	return rec, nil
}

// Status returns the task's current lifecycle state.
func (m *TaskManager) Status(id string) (TaskStatus, error) {
	rec, err := m.record(id)
	if err != nil {
		return "", err
	}
	return rec.snapshot().Status, nil
}

// Info returns the full observable state of the task.
func (m *TaskManager) Info(id string) (TaskInfo, error) {
	rec, err := m.record(id)
	if err != nil {
		return TaskInfo{}, err
	}
	return rec.snapshot(), nil
}

// Result blocks until the task finishes or the timeout elapses.
// Completed tasks yield their value; failed tasks their error;
// cancelled tasks ErrCancelled. timeout <= 0 waits indefinitely.
func (m *TaskManager) Result(id string, timeout time.Duration) (any, error) {
	rec, err := m.record(id)
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-rec.done:
		case <-t.C:
			return nil, errkind.Newf(errkind.Timeout, "timeout", "task %q not done after %s", id, timeout)
		}
	} else {
		<-rec.done
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.err != nil {
		return nil, rec.err
	}
	return rec.value, nil
}

// Cancel stops the task. Pending tasks flip straight to cancelled and
// never run; running tasks get their context cancelled and finish
// cooperatively. Cancelling a terminal task is a no-op.
func (m *TaskManager) Cancel(id string) error {
	rec, err := m.record(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	switch rec.info.Status {
	case StatusPending:
		rec.info.Status = StatusCancelled
		rec.info.CompletedAt = time.Now()
		rec.err = errkind.ErrCancelled
		close(rec.done)
		rec.mu.Unlock()
		m.retire(id)
		return nil
	case StatusRunning:
		cancel := rec.cancel
		rec.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		rec.mu.Unlock()
		return nil
	}
}

// List returns task infos, optionally filtered by status, ordered by
// creation time.
func (m *TaskManager) List(status TaskStatus) []TaskInfo {
	m.mu.Lock()
	recs := make([]*taskRecord, 0, len(m.tasks))
	for _, rec := range m.tasks {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	infos := make([]TaskInfo, 0, len(recs))
	for _, rec := range recs {
		info := rec.snapshot()
		if status != "" && info.Status != status {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// ClearCompleted drops every terminal record and returns how many
// were removed.
func (m *TaskManager) ClearCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, rec := range m.tasks {
		if rec.snapshot().Status.Terminal() {
			delete(m.tasks, id)
			removed++
		}
	}
	m.finished = m.finished[:0]
	return removed
}

// Len reports how many records the manager retains.
func (m *TaskManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Stop shuts the manager down. Pending tasks are drained unless
// cancelPending flips them to cancelled; running tasks always finish.
func (m *TaskManager) Stop(cancelPending bool) {
	m.submitMu.Lock()
	if !m.started || m.stopping {
		m.submitMu.Unlock()
		return
	}
	m.stopping = true
	m.submitMu.Unlock()

	if cancelPending {
		m.mu.Lock()
		recs := make([]*taskRecord, 0, len(m.tasks))
		for _, rec := range m.tasks {
			recs = append(recs, rec)
		}
		m.mu.Unlock()
		for _, rec := range recs {
			rec.mu.Lock()
			if rec.info.Status == StatusPending {
				rec.info.Status = StatusCancelled
				rec.info.CompletedAt = time.Now()
				rec.err = errkind.ErrCancelled
				close(rec.done)
			}
			rec.mu.Unlock()
		}
	}

	close(m.queue)
	m.wg.Wait()
	m.baseCancel()
}
