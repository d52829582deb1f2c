package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToSubTask propagates tracing context to a delegated sub-task.
// The trace ID is kept so parent and child correlate; the task ID is replaced.
func PropagateToSubTask(ctx context.Context, subTaskID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	newCtx := WithTraceID(context.WithoutCancel(ctx), traceID)
	newCtx = WithTaskID(newCtx, subTaskID)

	if tenantID := GetTenantID(ctx); tenantID != "" {
		newCtx = WithTenantID(newCtx, tenantID)
	}

	return newCtx
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.TaskID != "" {
		logger = logger.With().Str("task_id", tc.TaskID).Logger()
	}
	if tc.TenantID != "" {
		logger = logger.With().Str("tenant_id", tc.TenantID).Logger()
	}
	if tc.WorkerID != "" {
		logger = logger.With().Str("worker_id", tc.WorkerID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}
