package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// TaskIDKey is the context key for the task being executed
	TaskIDKey ContextKey = "task_id"
	// ParentTaskIDKey is the context key for the spawning task
	ParentTaskIDKey ContextKey = "parent_task_id"
	// OriginKey is the context key for task origin (owner, self, background)
	OriginKey ContextKey = "origin"
)

// TraceContext holds tracing information carried across task boundaries
type TraceContext struct {
	TraceID      string
	TaskID       string
	ParentTaskID string
	Origin       string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithTaskID adds a task ID to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// WithParentTaskID adds the spawning task's ID to the context
func WithParentTaskID(ctx context.Context, parentID string) context.Context {
	return context.WithValue(ctx, ParentTaskIDKey, parentID)
}

// WithOrigin adds the task origin to the context
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, OriginKey, origin)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetTaskID retrieves the task ID from the context
func GetTaskID(ctx context.Context) string {
	if taskID, ok := ctx.Value(TaskIDKey).(string); ok {
		return taskID
	}
	return ""
}

// GetParentTaskID retrieves the parent task ID from the context
func GetParentTaskID(ctx context.Context) string {
	if parentID, ok := ctx.Value(ParentTaskIDKey).(string); ok {
		return parentID
	}
	return ""
}

// GetOrigin retrieves the task origin from the context
func GetOrigin(ctx context.Context) string {
	if origin, ok := ctx.Value(OriginKey).(string); ok {
		return origin
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:      GetTraceID(ctx),
		TaskID:       GetTaskID(ctx),
		ParentTaskID: GetParentTaskID(ctx),
		Origin:       GetOrigin(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.TaskID != "" {
		ctx = WithTaskID(ctx, tc.TaskID)
	}
	if tc.ParentTaskID != "" {
		ctx = WithParentTaskID(ctx, tc.ParentTaskID)
	}
	if tc.Origin != "" {
		ctx = WithOrigin(ctx, tc.Origin)
	}
	return ctx
}

// NewTaskContext creates a context for a task run. The trace ID is kept
// when the caller already carries one, otherwise a fresh one is generated.
func NewTaskContext(ctx context.Context, taskID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return WithTaskID(ctx, taskID)
}
