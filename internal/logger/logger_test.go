package logger

import (
	"context"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	requestID := "req-12345"

	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("RequestIDFromContext() on empty ctx = %v, want empty", got)
	}

	ctx = WithRequestID(ctx, requestID)
	if got := RequestIDFromContext(ctx); got != requestID {
		t.Errorf("RequestIDFromContext() = %v, want %v", got, requestID)
	}
}

func TestRunIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	if got := RunIDFromContext(ctx); got != "" {
		t.Errorf("RunIDFromContext() on empty ctx = %v, want empty", got)
	}

	ctx = WithRunID(ctx, "run-abc")
	if got := RunIDFromContext(ctx); got != "run-abc" {
		t.Errorf("RunIDFromContext() = %v, want run-abc", got)
	}
}

func TestFromContext(t *testing.T) {
	base := New()
	ctx := context.Background()

	if FromContext(ctx, base) == nil {
		t.Error("FromContext() returned nil")
	}

	ctx = WithRequestID(ctx, "req-67890")
	ctx = WithRunID(ctx, "run-1")
	if FromContext(ctx, base) == nil {
		t.Error("FromContext() with IDs returned nil")
	}
}

func TestNew_ReturnsLogger(t *testing.T) {
	if New() == nil {
		t.Error("New() returned nil")
	}
}
