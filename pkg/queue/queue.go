package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keel-ai/keel/pkg/trace"
)

var (
	// ErrQueueFull is returned when a tenant's queued plus in-flight count is
	// at the depth limit
	ErrQueueFull = errors.New("queue full for tenant")
	// ErrShuttingDown is returned for submissions after shutdown begins
	ErrShuttingDown = errors.New("queue is shutting down")
)

// Handler executes one task to completion
type Handler func(ctx context.Context, task *Task) Result

// Observer receives queue lifecycle callbacks, used for metrics wiring.
// All methods are called synchronously and must not block.
type Observer interface {
	TaskEnqueued(task *Task, depth int)
	TaskRejected(task *Task, reason string)
	TaskStarted(task *Task, wait time.Duration)
	TaskFinished(task *Task, res Result)
}

// Config configures the queue
type Config struct {
	// Workers is the fixed worker pool size.
	Workers int
	// MaxDepthPerTenant bounds each tenant's queued plus in-flight tasks.
	MaxDepthPerTenant int
	// TenantRunningCap bounds each tenant's concurrent executions.
	TenantRunningCap int
	// Handler runs each dispatched task.
	Handler Handler
	// Observer is optional.
	Observer Observer
	// Recorder, when set, gets a failed span for every task that crashes a
	// worker. Handlers record their own spans for ordinary outcomes.
	Recorder *trace.Recorder
}

// item is one queued entry. seq breaks priority ties so equal-priority tasks
// dispatch in submission order.
type item struct {
	task       *Task
	handle     *Handle
	seq        int64
	enqueuedAt time.Time
}

// taskHeap orders items by priority rank, then submission sequence
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	ri, rj := h[i].task.Priority.rank(), h[j].task.Priority.rank()
	if ri != rj {
		return ri < rj
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the admission and dispatch layer
type Queue struct {
	cfg Config

	mu      sync.Mutex
	cond    *sync.Cond
	pending taskHeap
	// blocked holds items whose tenant is at its running cap, per tenant,
	// until a slot frees up.
	blocked      map[string][]*item
	queuedCount  map[string]int
	runningCount map[string]int
	seq          int64
	closed       bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a queue
func New(cfg Config) (*Queue, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.MaxDepthPerTenant <= 0 {
		return nil, fmt.Errorf("max depth per tenant must be positive, got %d", cfg.MaxDepthPerTenant)
	}
	if cfg.TenantRunningCap <= 0 {
		return nil, fmt.Errorf("tenant running cap must be positive, got %d", cfg.TenantRunningCap)
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	q := &Queue{
		cfg:          cfg,
		blocked:      make(map[string][]*item),
		queuedCount:  make(map[string]int),
		runningCount: make(map[string]int),
	}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Start launches the worker pool
func (q *Queue) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(workerCtx, i)
	}

	// Wake idle workers so they observe cancellation.
	go func() {
		<-workerCtx.Done()
		q.cond.Broadcast()
	}()

	log.Info().Int("workers", q.cfg.Workers).Msg("Queue workers started")
}

// Submit admits a task. Admission is synchronous: a full tenant backlog
// rejects immediately with ErrQueueFull rather than blocking the caller.
func (q *Queue) Submit(task *Task) (*Handle, error) {
	if err := task.validate(); err != nil {
		return nil, err
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now()
	}

	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return nil, ErrShuttingDown
	}

	if q.queuedCount[task.TenantID]+q.runningCount[task.TenantID] >= q.cfg.MaxDepthPerTenant {
		q.mu.Unlock()
		if q.cfg.Observer != nil {
			q.cfg.Observer.TaskRejected(task, "queue_full")
		}
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, task.TenantID)
	}

	q.seq++
	it := &item{
		task:       task,
		handle:     newHandle(task.ID),
		seq:        q.seq,
		enqueuedAt: time.Now(),
	}
	heap.Push(&q.pending, it)
	q.queuedCount[task.TenantID]++
	depth := q.queuedCount[task.TenantID]
	q.mu.Unlock()

	log.Debug().
		Str("task_id", task.ID).
		Str("tenant_id", task.TenantID).
		Str("priority", string(task.Priority)).
		Int("tenant_depth", depth).
		Msg("Task enqueued")

	if q.cfg.Observer != nil {
		q.cfg.Observer.TaskEnqueued(task, depth)
	}

	q.cond.Signal()
	return it.handle, nil
}

// next pops the highest-priority item whose tenant has a free running slot.
// Items for saturated tenants park in the blocked map; requeue moves them
// back when a slot frees. Callers hold q.mu.
func (q *Queue) next() *item {
	for q.pending.Len() > 0 {
		it := heap.Pop(&q.pending).(*item)
		tenant := it.task.TenantID
		if q.runningCount[tenant] >= q.cfg.TenantRunningCap {
			q.blocked[tenant] = append(q.blocked[tenant], it)
			continue
		}
		return it
	}
	return nil
}

// requeue returns a tenant's blocked items to the heap. Sequence numbers are
// preserved, so relative order survives the round trip. Callers hold q.mu.
func (q *Queue) requeue(tenant string) {
	for _, it := range q.blocked[tenant] {
		heap.Push(&q.pending, it)
	}
	delete(q.blocked, tenant)
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		var it *item
		for {
			if ctx.Err() != nil || q.closed {
				q.mu.Unlock()
				return
			}
			it = q.next()
			if it != nil {
				break
			}
			q.cond.Wait()
		}

		tenant := it.task.TenantID
		q.runningCount[tenant]++
		q.queuedCount[tenant]--
		q.mu.Unlock()

		wait := time.Since(it.enqueuedAt)
		it.handle.setStatus(StatusRunning)

		log.Debug().
			Str("task_id", it.task.ID).
			Str("tenant_id", tenant).
			Int("worker", id).
			Dur("wait", wait).
			Msg("Task started")

		if q.cfg.Observer != nil {
			q.cfg.Observer.TaskStarted(it.task, wait)
		}

		res := q.execute(ctx, it.task)

		q.mu.Lock()
		q.runningCount[tenant]--
		if q.runningCount[tenant] == 0 {
			delete(q.runningCount, tenant)
		}
		q.requeue(tenant)
		q.mu.Unlock()
		q.cond.Broadcast()

		it.handle.finish(res)
		if it.task.OnResult != nil {
			it.task.OnResult(res)
		}
		if q.cfg.Observer != nil {
			q.cfg.Observer.TaskFinished(it.task, res)
		}

		log.Debug().
			Str("task_id", it.task.ID).
			Str("outcome", res.Outcome).
			Dur("duration", res.Duration).
			Msg("Task finished")
	}
}

// execute runs the handler with panic isolation. A panicking task fails
// alone; the worker keeps serving.
func (q *Queue) execute(ctx context.Context, task *Task) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("task_id", task.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Task handler panicked")
			res = Result{
				TaskID:   task.ID,
				Outcome:  "failed",
				Err:      fmt.Errorf("task panicked: %v", r),
				Duration: time.Since(start),
			}
			q.recordCrash(task, start, res.Err)
		}
	}()

	taskCtx := ctx
	if !task.Deadline.IsZero() {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithDeadline(ctx, task.Deadline)
		defer cancel()
	}

	res = q.cfg.Handler(taskCtx, task)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res
}

// recordCrash writes a failed span for a task that brought its worker down.
// A handler that crashes never gets to record anything itself, so the queue
// leaves the trace.
func (q *Queue) recordCrash(task *Task, start time.Time, crashErr error) {
	if q.cfg.Recorder == nil {
		return
	}
	span := trace.NewSpan(task.ID, "task")
	span.TenantID = task.TenantID
	span.StartedAt = start.UTC()
	span.EndedAt = time.Now().UTC()
	span.Outcome = "failed"
	span.Error = crashErr.Error()
	if err := q.cfg.Recorder.Record(span); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to record crash span")
	}
}

// Depth returns a tenant's queued backlog
func (q *Queue) Depth(tenant string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedCount[tenant]
}

// Running returns a tenant's in-flight task count
func (q *Queue) Running(tenant string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runningCount[tenant]
}

// Shutdown stops accepting work and waits for in-flight tasks, bounded by
// ctx. Queued tasks that never started are finished with ErrShuttingDown.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true

	drained := []*item{}
	for q.pending.Len() > 0 {
		drained = append(drained, heap.Pop(&q.pending).(*item))
	}
	for tenant := range q.blocked {
		drained = append(drained, q.blocked[tenant]...)
		delete(q.blocked, tenant)
	}
	for _, it := range drained {
		q.queuedCount[it.task.TenantID]--
	}
	q.mu.Unlock()
	q.cond.Broadcast()

	for _, it := range drained {
		res := Result{TaskID: it.task.ID, Outcome: "aborted", Err: ErrShuttingDown}
		it.handle.finish(res)
		if it.task.OnResult != nil {
			it.task.OnResult(res)
		}
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Int("drained", len(drained)).Msg("Queue shut down")
		return nil
	case <-ctx.Done():
		if q.cancel != nil {
			q.cancel()
		}
		log.Warn().Msg("Queue shutdown timed out, cancelling in-flight tasks")
		return ctx.Err()
	}
}
