// Package trace records structured execution spans for completed work:
// loop turns, backend calls, tool invocations, supervisor decisions. Spans
// buffer in memory and flush to a sink in batches.
package trace

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Span is one recorded unit of work
type Span struct {
	ID        uuid.UUID              `json:"id"`
	TaskID    string                 `json:"task_id"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Name      string                 `json:"name"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   time.Time              `json:"ended_at"`
	Outcome   string                 `json:"outcome,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// Duration returns the span's wall-clock duration
func (s Span) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// NewSpan starts a span for a task
func NewSpan(taskID, name string) Span {
	return Span{
		ID:        uuid.New(),
		TaskID:    taskID,
		Name:      name,
		StartedAt: time.Now().UTC(),
	}
}

// Finish stamps the end time and outcome
func (s Span) Finish(outcome string) Span {
	s.EndedAt = time.Now().UTC()
	s.Outcome = outcome
	return s
}

// FinishErr stamps the end time with a failure outcome
func (s Span) FinishErr(err error) Span {
	s.EndedAt = time.Now().UTC()
	s.Outcome = "error"
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

// Sink persists batches of spans
type Sink interface {
	WriteSpans(ctx context.Context, spans []Span) error
	Close() error
}
