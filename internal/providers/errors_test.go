package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		expect FailureReason
	}{
		{fmt.Errorf("API error (status 401): unauthorized"), ReasonAuth},
		{fmt.Errorf("API error (status 403): forbidden"), ReasonAuth},
		{fmt.Errorf("API error (status 429): rate limit exceeded"), ReasonRateLimit},
		{fmt.Errorf("API error (status 402): payment required"), ReasonBilling},
		{fmt.Errorf("API error (status 400): bad request"), ReasonFormat},
		{fmt.Errorf("API error (status 529): overloaded"), ReasonOverloaded},
		{fmt.Errorf("API error (status 503): service unavailable"), ReasonOverloaded},
		{fmt.Errorf("API error (status 500): internal server error"), ReasonServerError},
		{fmt.Errorf("context deadline exceeded"), ReasonTimeout},
		{fmt.Errorf("connection refused"), ReasonTimeout},
		{fmt.Errorf("something random"), ReasonUnknown},
		{nil, ReasonUnknown},
	}

	for _, tt := range tests {
		got := ClassifyError(tt.err)
		if got != tt.expect {
			errStr := "<nil>"
			if tt.err != nil {
				errStr = tt.err.Error()
			}
			t.Errorf("ClassifyError(%q) = %s, want %s", errStr, got, tt.expect)
		}
	}
}

func TestWrapErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
		msg  string
	}{
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), KindTimeout, "AI request timed out. Please try again."},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, KindConnection, "Could not connect to AI service."},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example"}, KindConnection, "Could not connect to AI service."},
		{"other", errors.New("boom"), KindService, "AI service error: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapError("openai", tt.err)
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ProviderError, got %T", err)
			}
			if pe.Kind != tt.kind {
				t.Errorf("kind = %d, want %d", pe.Kind, tt.kind)
			}
			if err.Error() != tt.msg {
				t.Errorf("message = %q, want %q", err.Error(), tt.msg)
			}
			if !errors.Is(err, tt.err) {
				t.Error("cause should be reachable through Unwrap")
			}
		})
	}
}

func TestWrapErrorPassesThrough(t *testing.T) {
	orig := &ProviderError{Kind: KindTimeout, Provider: "x", Err: context.DeadlineExceeded}
	if got := wrapError("y", fmt.Errorf("again: %w", orig)); !errors.Is(got, orig) {
		t.Errorf("expected wrapped provider error to be preserved, got %v", got)
	}
	if wrapError("x", nil) != nil {
		t.Error("nil in, nil out")
	}
}

func TestDecodeArguments(t *testing.T) {
	if got := DecodeArguments(`{"q":"go"}`); got["q"] != "go" {
		t.Errorf("got %v", got)
	}
	for _, raw := range []string{"", "{not json", "[1,2]", "null"} {
		got := DecodeArguments(raw)
		if got == nil || len(got) != 0 {
			t.Errorf("DecodeArguments(%q) = %v, want empty map", raw, got)
		}
	}
}
