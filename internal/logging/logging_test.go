package logging

import (
	"context"
	"testing"
)

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "" {
		t.Errorf("empty context should have no request ID, got %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("RequestID = %q, want req-123", got)
	}
}

func TestCorrelationID_RoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-1700000000-42")
	if got := CorrelationID(ctx); got != "corr-1700000000-42" {
		t.Errorf("CorrelationID = %q, want corr-1700000000-42", got)
	}
}

func TestL_AttachesIDs(t *testing.T) {
	logger := New("debug", "json")
	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithCorrelationID(ctx, "corr-1")

	// L must not panic and must return a usable logger.
	l := L(ctx)
	if l == nil {
		t.Fatal("L returned nil logger")
	}
	l.Debug("test message")
}

func TestNew_LevelFallback(t *testing.T) {
	if New("bogus", "text") == nil {
		t.Fatal("New returned nil for unknown level")
	}
}
