package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToChild carries tracing context into a spawned task.
// The trace ID is kept, the current task becomes the parent, and the
// child task ID takes over.
func PropagateToChild(ctx context.Context, childTaskID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	newCtx := WithTraceID(ctx, traceID)
	if parent := GetTaskID(ctx); parent != "" {
		newCtx = WithParentTaskID(newCtx, parent)
	}
	newCtx = WithTaskID(newCtx, childTaskID)

	if origin := GetOrigin(ctx); origin != "" {
		newCtx = WithOrigin(newCtx, origin)
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
	if tc.ParentTaskID != "" {
		logger = logger.With().Str("parent_task_id", tc.ParentTaskID).Logger()
	}
	if tc.Origin != "" {
		logger = logger.With().Str("origin", tc.Origin).Logger()
	}

	return logger
}

// CloneContext creates a detached context carrying the same tracing
// information. Used when a task outlives the request that scheduled it.
func CloneContext(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	return NewContext(context.Background(), tc)
}
