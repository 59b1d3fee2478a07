package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestEnsureTraceID_KeepsExisting(t *testing.T) {
	ctx := WithTraceID(context.Background(), "keep-me")
	if got := TraceID(EnsureTraceID(ctx)); got != "keep-me" {
		t.Fatalf("expected keep-me, got %q", got)
	}

	fresh := EnsureTraceID(context.Background())
	if got := TraceID(fresh); got == "-" || got == "" {
		t.Fatalf("expected generated trace id, got %q", got)
	}
}

func TestChatAndPageID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if ChatID(ctx) != "" || PageID(ctx) != "" {
		t.Fatal("expected empty ids on bare context")
	}
	ctx = WithPageID(WithChatID(ctx, "chat-42"), "page-7")
	if got := ChatID(ctx); got != "chat-42" {
		t.Fatalf("chat id = %q", got)
	}
	if got := PageID(ctx); got != "page-7" {
		t.Fatalf("page id = %q", got)
	}
}
