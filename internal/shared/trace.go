package shared

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type traceKey struct{}
type accountIDKey struct{}
type workerIDKey struct{}
type executionIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithAccountID attaches an account id to the context.
func WithAccountID(ctx context.Context, accountID int64) context.Context {
	return context.WithValue(ctx, accountIDKey{}, accountID)
}

// AccountID extracts the account id from context. Returns 0 if absent.
func AccountID(ctx context.Context) int64 {
	if v, ok := ctx.Value(accountIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithWorkerID attaches a worker id to the context.
func WithWorkerID(ctx context.Context, workerID int64) context.Context {
	return context.WithValue(ctx, workerIDKey{}, workerID)
}

// WorkerID extracts the worker id from context. Returns 0 if absent.
func WorkerID(ctx context.Context) int64 {
	if v, ok := ctx.Value(workerIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WorkerActor renders the context's worker id as an audit actor string.
func WorkerActor(ctx context.Context) string {
	if id := WorkerID(ctx); id != 0 {
		return fmt.Sprintf("worker:%d", id)
	}
	return "system"
}

// WithExecutionID attaches an execution id to the context.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, executionID)
}

// ExecutionID extracts the execution id from context. Returns "" if absent.
func ExecutionID(ctx context.Context) string {
	if v, ok := ctx.Value(executionIDKey{}).(string); ok {
		return v
	}
	return ""
}
