package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-ai/keel/pkg/trace"
)

// captureSink collects flushed spans for assertions
type captureSink struct {
	mu    sync.Mutex
	spans []trace.Span
}

func (c *captureSink) WriteSpans(ctx context.Context, spans []trace.Span) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spans = append(c.spans, spans...)
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) all() []trace.Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]trace.Span{}, c.spans...)
}

func newTask(id, tenant string, priority Priority) *Task {
	return &Task{
		ID:       id,
		TenantID: tenant,
		Priority: priority,
		Goal:     "do the thing",
	}
}

func startQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q, err := New(cfg)
	require.NoError(t, err)
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.Shutdown(ctx)
	})
	return q
}

func TestNew(t *testing.T) {
	t.Run("should reject invalid configs", func(t *testing.T) {
		handler := func(ctx context.Context, task *Task) Result { return Result{} }
		_, err := New(Config{Workers: 0, MaxDepthPerTenant: 1, TenantRunningCap: 1, Handler: handler})
		assert.Error(t, err)
		_, err = New(Config{Workers: 1, MaxDepthPerTenant: 0, TenantRunningCap: 1, Handler: handler})
		assert.Error(t, err)
		_, err = New(Config{Workers: 1, MaxDepthPerTenant: 1, TenantRunningCap: 0, Handler: handler})
		assert.Error(t, err)
		_, err = New(Config{Workers: 1, MaxDepthPerTenant: 1, TenantRunningCap: 1})
		assert.Error(t, err)
	})
}

func TestSubmit(t *testing.T) {
	t.Run("should run a task and deliver its result", func(t *testing.T) {
		q := startQueue(t, Config{
			Workers: 2, MaxDepthPerTenant: 4, TenantRunningCap: 2,
			Handler: func(ctx context.Context, task *Task) Result {
				return Result{TaskID: task.ID, Outcome: "success", Output: "done"}
			},
		})

		var delivered atomic.Bool
		task := newTask("t1", "tenant-a", PriorityNormal)
		task.OnResult = func(res Result) { delivered.Store(true) }

		h, err := q.Submit(task)
		require.NoError(t, err)

		res, err := h.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "success", res.Outcome)
		assert.Equal(t, "done", res.Output)
		assert.Equal(t, StatusFinished, h.Status())
		assert.True(t, delivered.Load())
	})

	t.Run("should reject invalid tasks", func(t *testing.T) {
		q := startQueue(t, Config{
			Workers: 1, MaxDepthPerTenant: 1, TenantRunningCap: 1,
			Handler: func(ctx context.Context, task *Task) Result { return Result{} },
		})

		_, err := q.Submit(&Task{TenantID: "t", Goal: "g"})
		assert.Error(t, err)
		_, err = q.Submit(&Task{ID: "x", Goal: "g"})
		assert.Error(t, err)
		_, err = q.Submit(&Task{ID: "x", TenantID: "t"})
		assert.Error(t, err)
	})

	t.Run("should reject when queued plus in-flight hits the depth limit", func(t *testing.T) {
		release := make(chan struct{})
		q := startQueue(t, Config{
			Workers: 1, MaxDepthPerTenant: 3, TenantRunningCap: 1,
			Handler: func(ctx context.Context, task *Task) Result {
				<-release
				return Result{TaskID: task.ID, Outcome: "success"}
			},
		})

		// With depth 3, exactly 3 of 5 submissions are admitted; the running
		// task counts against the limit too.
		handles := []*Handle{}
		rejected := 0
		for i := 0; i < 5; i++ {
			h, err := q.Submit(newTask(fmt.Sprintf("t%d", i), "tenant-a", PriorityNormal))
			if err != nil {
				assert.ErrorIs(t, err, ErrQueueFull)
				rejected++
				continue
			}
			handles = append(handles, h)
		}
		assert.Equal(t, 2, rejected)
		assert.Len(t, handles, 3)

		// A different tenant still has room.
		_, err := q.Submit(newTask("other", "tenant-b", PriorityNormal))
		assert.NoError(t, err)

		close(release)
		for _, h := range handles {
			res, err := h.Wait(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "success", res.Outcome)
		}
	})
}

func TestDispatchOrder(t *testing.T) {
	t.Run("should dispatch by priority then submission order", func(t *testing.T) {
		var mu sync.Mutex
		order := []string{}
		gate := make(chan struct{})

		q := startQueue(t, Config{
			Workers: 1, MaxDepthPerTenant: 10, TenantRunningCap: 10,
			Handler: func(ctx context.Context, task *Task) Result {
				if task.ID == "gate" {
					<-gate
				} else {
					mu.Lock()
					order = append(order, task.ID)
					mu.Unlock()
				}
				return Result{TaskID: task.ID, Outcome: "success"}
			},
		})

		// Occupy the single worker so the rest queue up.
		gateHandle, err := q.Submit(newTask("gate", "tenant-a", PriorityHigh))
		require.NoError(t, err)
		require.Eventually(t, func() bool { return q.Running("tenant-a") == 1 }, time.Second, 5*time.Millisecond)

		handles := []*Handle{}
		for _, spec := range []struct {
			id       string
			priority Priority
		}{
			{"low-1", PriorityLow},
			{"normal-1", PriorityNormal},
			{"high-1", PriorityHigh},
			{"normal-2", PriorityNormal},
			{"high-2", PriorityHigh},
		} {
			h, err := q.Submit(newTask(spec.id, "tenant-a", spec.priority))
			require.NoError(t, err)
			handles = append(handles, h)
		}

		close(gate)
		_, err = gateHandle.Wait(context.Background())
		require.NoError(t, err)
		for _, h := range handles {
			_, err := h.Wait(context.Background())
			require.NoError(t, err)
		}

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}, order)
	})
}

func TestTenantCap(t *testing.T) {
	t.Run("should cap concurrent executions per tenant", func(t *testing.T) {
		var running, peak atomic.Int32
		release := make(chan struct{})

		q := startQueue(t, Config{
			Workers: 8, MaxDepthPerTenant: 10, TenantRunningCap: 3,
			Handler: func(ctx context.Context, task *Task) Result {
				now := running.Add(1)
				for {
					p := peak.Load()
					if now <= p || peak.CompareAndSwap(p, now) {
						break
					}
				}
				<-release
				running.Add(-1)
				return Result{TaskID: task.ID, Outcome: "success"}
			},
		})

		handles := []*Handle{}
		for i := 0; i < 5; i++ {
			h, err := q.Submit(newTask(fmt.Sprintf("t%d", i), "tenant-a", PriorityNormal))
			require.NoError(t, err)
			handles = append(handles, h)
		}

		// Exactly the cap may run even though workers are free.
		require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second, 5*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(3), running.Load())

		close(release)
		for _, h := range handles {
			_, err := h.Wait(context.Background())
			require.NoError(t, err)
		}
		assert.Equal(t, int32(3), peak.Load())
	})

	t.Run("should free the slot when a task finishes", func(t *testing.T) {
		first := make(chan struct{})
		q := startQueue(t, Config{
			Workers: 4, MaxDepthPerTenant: 10, TenantRunningCap: 1,
			Handler: func(ctx context.Context, task *Task) Result {
				if task.ID == "first" {
					<-first
				}
				return Result{TaskID: task.ID, Outcome: "success"}
			},
		})

		h1, err := q.Submit(newTask("first", "tenant-a", PriorityNormal))
		require.NoError(t, err)
		h2, err := q.Submit(newTask("second", "tenant-a", PriorityNormal))
		require.NoError(t, err)

		require.Eventually(t, func() bool { return q.Running("tenant-a") == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, StatusQueued, h2.Status())

		close(first)
		_, err = h1.Wait(context.Background())
		require.NoError(t, err)

		res, err := h2.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "success", res.Outcome)
	})
}

func TestPanicRecovery(t *testing.T) {
	t.Run("should fail the panicking task and keep serving", func(t *testing.T) {
		q := startQueue(t, Config{
			Workers: 1, MaxDepthPerTenant: 5, TenantRunningCap: 5,
			Handler: func(ctx context.Context, task *Task) Result {
				if task.ID == "boom" {
					panic("handler exploded")
				}
				return Result{TaskID: task.ID, Outcome: "success"}
			},
		})

		boom, err := q.Submit(newTask("boom", "tenant-a", PriorityNormal))
		require.NoError(t, err)

		res, err := boom.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "failed", res.Outcome)
		require.Error(t, res.Err)
		assert.Contains(t, res.Err.Error(), "panic")

		// The worker survived the panic.
		next, err := q.Submit(newTask("after", "tenant-a", PriorityNormal))
		require.NoError(t, err)
		res, err = next.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "success", res.Outcome)
	})

	t.Run("should record a failed span when the handler crashes", func(t *testing.T) {
		sink := &captureSink{}
		recorder := trace.NewRecorder(sink, trace.RecorderConfig{FlushThreshold: 1, FlushInterval: 10 * time.Millisecond})
		recorder.Start(context.Background())

		q := startQueue(t, Config{
			Workers: 1, MaxDepthPerTenant: 5, TenantRunningCap: 5,
			Recorder: recorder,
			Handler: func(ctx context.Context, task *Task) Result {
				panic("handler exploded")
			},
		})

		h, err := q.Submit(newTask("boom", "tenant-a", PriorityNormal))
		require.NoError(t, err)
		res, err := h.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, "failed", res.Outcome)

		drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		recorder.Drain(drainCtx)

		spans := sink.all()
		require.Len(t, spans, 1)
		assert.Equal(t, "boom", spans[0].TaskID)
		assert.Equal(t, "tenant-a", spans[0].TenantID)
		assert.Equal(t, "failed", spans[0].Outcome)
		assert.Contains(t, spans[0].Error, "panicked")
	})
}

func TestShutdown(t *testing.T) {
	t.Run("should finish queued tasks with a shutdown result", func(t *testing.T) {
		release := make(chan struct{})
		q, err := New(Config{
			Workers: 1, MaxDepthPerTenant: 5, TenantRunningCap: 1,
			Handler: func(ctx context.Context, task *Task) Result {
				<-release
				return Result{TaskID: task.ID, Outcome: "success"}
			},
		})
		require.NoError(t, err)
		q.Start(context.Background())

		_, err = q.Submit(newTask("running", "tenant-a", PriorityNormal))
		require.NoError(t, err)
		queued, err := q.Submit(newTask("queued", "tenant-a", PriorityNormal))
		require.NoError(t, err)

		require.Eventually(t, func() bool { return q.Running("tenant-a") == 1 }, time.Second, 5*time.Millisecond)

		done := make(chan struct{})
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			q.Shutdown(ctx)
			close(done)
		}()

		res, err := queued.Wait(context.Background())
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err, ErrShuttingDown)

		close(release)
		<-done

		_, err = q.Submit(newTask("late", "tenant-a", PriorityNormal))
		assert.ErrorIs(t, err, ErrShuttingDown)
	})
}
