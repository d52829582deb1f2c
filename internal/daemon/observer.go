package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/keel-ai/keel/internal/metrics"
	"github.com/keel-ai/keel/pkg/queue"
	"github.com/keel-ai/keel/pkg/ratelimit"
)

// queueObserver feeds queue lifecycle events into the metrics registry
type queueObserver struct {
	metrics *metrics.Metrics
}

func (o *queueObserver) TaskEnqueued(task *queue.Task, depth int) {
	o.metrics.TasksSubmittedTotal.WithLabelValues(task.TenantID, string(task.Priority)).Inc()
	o.metrics.QueueDepth.WithLabelValues(task.TenantID).Set(float64(depth))
}

func (o *queueObserver) TaskRejected(task *queue.Task, reason string) {
	o.metrics.TasksRejectedTotal.WithLabelValues(task.TenantID, reason).Inc()
}

func (o *queueObserver) TaskStarted(task *queue.Task, wait time.Duration) {
	o.metrics.QueueWaitDuration.Observe(wait.Seconds())
}

func (o *queueObserver) TaskFinished(task *queue.Task, res queue.Result) {
	o.metrics.TasksCompletedTotal.WithLabelValues(task.TenantID, res.Outcome).Inc()
}

// reloadableLimiter wraps the token bucket limiter so config hot reload can
// swap in fresh limits without rebuilding the loop.
type reloadableLimiter struct {
	mu    sync.RWMutex
	inner *ratelimit.Limiter
}

func (r *reloadableLimiter) Acquire(ctx context.Context, tier, backendName string, cost float64) error {
	r.mu.RLock()
	limiter := r.inner
	r.mu.RUnlock()
	return limiter.Acquire(ctx, tier, backendName, cost)
}

func (r *reloadableLimiter) swap(next *ratelimit.Limiter) {
	r.mu.Lock()
	r.inner = next
	r.mu.Unlock()
}
