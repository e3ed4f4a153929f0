package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestEngineError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "message only",
			err:  NewPermanentError("pattern invalid", nil),
			want: "[permanent] pattern invalid: ",
		},
		{
			name: "with cause and resource",
			err:  NewTransientError("pull failed", errors.New("timeout")).WithResource("p1-c2"),
			want: "[transient] pull failed (resource=p1-c2): timeout",
		},
		{
			name: "operation needs a resource",
			err:  NewConflictError("busy", nil).WithOperation("execute"),
			want: "[conflict] busy: ",
		},
		{
			name: "resource and operation",
			err:  NewConflictError("busy", nil).WithResource("p1-c1").WithOperation("execute"),
			want: "[conflict] busy (resource=p1-c1, operation=execute): ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestEngineError_Classification(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	wrapped := fmt.Errorf("run failed: %w", NewConnectivityError("cluster unreachable", cause))

	if !IsConnectivity(wrapped) {
		t.Error("Expected wrapped error to be connectivity")
	}
	if !HasCode(wrapped, ErrCodeConnectivity) {
		t.Error("Expected connectivity errors to carry CONNECTIVITY")
	}
	if IsRetryable(wrapped) {
		t.Error("Expected connectivity errors not to be retryable")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("Expected cause to be reachable through the chain")
	}

	for _, err := range []error{
		NewTransientError("x", nil),
		NewThrottledError("x", nil),
		NewConflictError("x", nil),
	} {
		if !IsRetryable(err) {
			t.Errorf("Expected %s to be retryable", ClassOf(err))
		}
	}

	if !IsThrottled(NewThrottledError("429 from registry", nil)) {
		t.Error("Expected a throttled error")
	}
	if IsRetryable(NewPermanentError("x", nil)) || !IsPermanent(NewPermanentError("x", nil)) {
		t.Error("Expected permanent errors not to be retryable")
	}

	plain := errors.New("plain")
	if ClassOf(plain) != "" || IsRetryable(plain) || HasCode(plain, ErrCodeInternal) {
		t.Error("Expected unclassified errors to match nothing")
	}
}

func TestEngineError_Is(t *testing.T) {
	sentinel := &EngineError{Class: ErrorClassPermanent, Code: ErrCodePatternNotFound}
	err := NewPermanentError("no pattern for /srv/app", nil).WithCode(ErrCodePatternNotFound)

	if !errors.Is(err, sentinel) {
		t.Error("Expected errors with the same class and code to match")
	}
	if errors.Is(err.WithCode(ErrCodeNotFound), sentinel) {
		t.Error("Expected a different code not to match")
	}
}

func TestEngineError_WithDetail(t *testing.T) {
	err := NewPermanentError("command denied by policy", nil).
		WithDetail("violations", []string{"rm -rf /"}).
		WithDetail("task", "p1-c1")

	if len(err.Details) != 2 || err.Details["task"] != "p1-c1" {
		t.Errorf("Unexpected details: %v", err.Details)
	}
}
