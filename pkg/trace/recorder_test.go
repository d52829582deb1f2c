package trace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySink collects flushed spans for assertions
type memorySink struct {
	mu    sync.Mutex
	spans []Span
	fail  bool
}

func (m *memorySink) WriteSpans(ctx context.Context, spans []Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("sink unavailable")
	}
	m.spans = append(m.spans, spans...)
	return nil
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spans)
}

func (m *memorySink) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func TestRecorder(t *testing.T) {
	t.Run("should flush when the threshold is reached", func(t *testing.T) {
		sink := &memorySink{}
		r := NewRecorder(sink, RecorderConfig{FlushThreshold: 3, FlushInterval: time.Hour})
		r.Start(context.Background())
		defer r.Drain(context.Background())

		for i := 0; i < 3; i++ {
			require.NoError(t, r.Record(NewSpan("task-1", fmt.Sprintf("turn-%d", i)).Finish("success")))
		}

		require.Eventually(t, func() bool {
			return sink.count() == 3
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("should flush remaining spans on drain", func(t *testing.T) {
		sink := &memorySink{}
		r := NewRecorder(sink, RecorderConfig{FlushThreshold: 100, FlushInterval: time.Hour})
		r.Start(context.Background())

		require.NoError(t, r.Record(NewSpan("task-1", "turn-0").Finish("success")))
		r.Drain(context.Background())

		assert.Equal(t, 1, sink.count())
	})

	t.Run("should preserve per-task append order", func(t *testing.T) {
		sink := &memorySink{}
		r := NewRecorder(sink, RecorderConfig{FlushThreshold: 100, FlushInterval: time.Hour})
		r.Start(context.Background())

		for i := 0; i < 10; i++ {
			require.NoError(t, r.Record(NewSpan("task-1", fmt.Sprintf("turn-%d", i)).Finish("success")))
		}
		r.Drain(context.Background())

		require.Len(t, sink.spans, 10)
		for i, span := range sink.spans {
			assert.Equal(t, fmt.Sprintf("turn-%d", i), span.Name)
		}
	})

	t.Run("should not lose spans under concurrent recording", func(t *testing.T) {
		sink := &memorySink{}
		r := NewRecorder(sink, RecorderConfig{FlushThreshold: 16, FlushInterval: 20 * time.Millisecond})
		r.Start(context.Background())

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					require.NoError(t, r.Record(NewSpan(fmt.Sprintf("task-%d", w), "turn").Finish("success")))
				}
			}(w)
		}
		wg.Wait()
		r.Drain(context.Background())

		assert.Equal(t, 200, sink.count())
	})

	t.Run("should retry a failed flush without losing spans", func(t *testing.T) {
		sink := &memorySink{}
		sink.setFail(true)
		r := NewRecorder(sink, RecorderConfig{FlushThreshold: 1, FlushInterval: 20 * time.Millisecond})
		r.Start(context.Background())

		require.NoError(t, r.Record(NewSpan("task-1", "turn-0").Finish("success")))
		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, 0, sink.count())

		sink.setFail(false)
		require.Eventually(t, func() bool {
			return sink.count() == 1
		}, 2*time.Second, 10*time.Millisecond)

		r.Drain(context.Background())
		assert.Zero(t, r.Dropped())
	})
}
