package trace

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// maxBufferCapacity is the hard upper limit on buffered spans. At capacity
// Record applies backpressure by returning an error.
const maxBufferCapacity = 100_000

// RecorderConfig configures the recorder's flush behavior
type RecorderConfig struct {
	// FlushThreshold triggers an early flush when the buffer reaches this size.
	FlushThreshold int
	// FlushInterval is the periodic flush cadence.
	FlushInterval time.Duration
}

// Recorder accumulates spans in memory and flushes them to the sink when
// either the threshold or the interval is reached. Spans are flushed in the
// order they were recorded.
type Recorder struct {
	sink      Sink
	threshold int
	interval  time.Duration

	mu    sync.Mutex
	spans []Span

	dropped atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
	startOnce  sync.Once
}

// NewRecorder creates a recorder over a sink
func NewRecorder(sink Sink, cfg RecorderConfig) *Recorder {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &Recorder{
		sink:      sink,
		threshold: cfg.FlushThreshold,
		interval:  cfg.FlushInterval,
		flushCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start begins the background flush loop. Call Drain to stop.
func (r *Recorder) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		r.cancelLoop = cancel
		go r.flushLoop(loopCtx)
	})
}

// Record buffers a span. It never blocks on the sink; at capacity it
// returns an error instead.
func (r *Recorder) Record(span Span) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.spans) >= maxBufferCapacity {
		return fmt.Errorf("trace: buffer at capacity (%d spans)", len(r.spans))
	}

	r.spans = append(r.spans, span)

	if len(r.spans) >= r.threshold {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}

	return nil
}

// Len returns the current number of buffered spans
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spans)
}

// Dropped returns the total spans dropped after flush failures. A non-zero
// value indicates trace loss, never task failure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if r.drainCtx != nil {
				r.flush(r.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				r.flush(fallbackCtx)
				cancel()
			}
			close(r.done)
			return
		case <-ticker.C:
			r.flush(ctx)
		case <-r.flushCh:
			r.flush(ctx)
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.spans) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.spans
	r.spans = nil
	r.mu.Unlock()

	start := time.Now()
	err := r.sink.WriteSpans(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Msg("Trace flush failed")
		// Put spans back for retry, preserving order, up to capacity.
		r.mu.Lock()
		if len(r.spans)+len(batch) <= maxBufferCapacity {
			r.spans = append(batch, r.spans...)
		} else {
			r.dropped.Add(int64(len(batch)))
			log.Error().
				Int("dropped", len(batch)).
				Msg("Dropping spans, trace buffer at capacity after flush failure")
		}
		r.mu.Unlock()
		return
	}

	log.Debug().
		Int("batch_size", len(batch)).
		Dur("flush_duration", duration).
		Msg("Trace batch flushed")
}

// Drain stops the flush loop and waits for the final flush, bounded by ctx.
func (r *Recorder) Drain(ctx context.Context) {
	r.drainCtx = ctx
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		log.Warn().Msg("Trace drain timed out waiting for flush loop")
	}
}
