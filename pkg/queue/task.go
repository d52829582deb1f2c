// Package queue admits, prioritizes, and dispatches tasks to a fixed worker
// pool. Admission is bounded per tenant, and each tenant's concurrent
// executions are capped so no single tenant can occupy the whole pool.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keel-ai/keel/pkg/backend"
)

// Priority orders tasks within the queue
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank returns the dispatch order, lower first
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Valid reports whether the priority is known
func (p Priority) Valid() bool {
	return p.rank() < 3
}

// Task is one unit of work submitted for execution
type Task struct {
	ID       string
	TenantID string
	Priority Priority
	Goal     string
	Tier     backend.Tier
	// Deadline, when set, bounds the task's total execution time.
	Deadline    time.Time
	SubmittedAt time.Time
	// OnResult, when set, is called exactly once with the task's result.
	OnResult func(Result)
}

// Result is the terminal outcome of a task
type Result struct {
	TaskID   string
	Outcome  string
	Output   string
	Err      error
	Duration time.Duration
}

// Status tracks a task through its lifecycle
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// Handle lets a submitter observe an accepted task
type Handle struct {
	TaskID string

	mu     sync.Mutex
	status Status
	result Result
	done   chan struct{}
}

func newHandle(taskID string) *Handle {
	return &Handle{
		TaskID: taskID,
		status: StatusQueued,
		done:   make(chan struct{}),
	}
}

// Status returns the task's current lifecycle state
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *Handle) finish(res Result) {
	h.mu.Lock()
	h.status = StatusFinished
	h.result = res
	h.mu.Unlock()
	close(h.done)
}

// Wait blocks until the task finishes or the context is cancelled
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// validate checks a task before admission
func (t *Task) validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if t.Goal == "" {
		return fmt.Errorf("task goal is required")
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("unknown priority: %s", t.Priority)
	}
	return nil
}
