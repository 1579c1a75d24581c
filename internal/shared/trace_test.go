package shared

import (
	"context"
	"testing"
)

func TestTraceIDDefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
	// Empty value falls back to the placeholder.
	if got := TraceID(WithTraceID(ctx, "")); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
}

func TestAccountAndWorkerIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := AccountID(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	ctx = WithAccountID(ctx, 3)
	ctx = WithWorkerID(ctx, 9)
	if got := AccountID(ctx); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := WorkerID(ctx); got != 9 {
		t.Fatalf("expected 9, got %d", got)
	}

	// Overwrite.
	ctx = WithWorkerID(ctx, 12)
	if got := WorkerID(ctx); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
}

func TestWorkerActor(t *testing.T) {
	ctx := context.Background()
	if got := WorkerActor(ctx); got != "system" {
		t.Fatalf("expected system, got %q", got)
	}
	if got := WorkerActor(WithWorkerID(ctx, 7)); got != "worker:7" {
		t.Fatalf("expected worker:7, got %q", got)
	}
}

func TestExecutionIDDefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := ExecutionID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithExecutionID(ctx, "exec-1")
	if got := ExecutionID(ctx); got != "exec-1" {
		t.Fatalf("expected exec-1, got %q", got)
	}
}
