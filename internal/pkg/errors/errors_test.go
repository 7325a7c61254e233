package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	err := New(CodeValidation, "invalid input")

	if err.Code != CodeValidation {
		t.Errorf("expected code=%s, got %s", CodeValidation, err.Code)
	}
	if err.Message != "invalid input" {
		t.Errorf("expected message='invalid input', got %s", err.Message)
	}
	if len(err.Stack) == 0 {
		t.Error("expected stack trace to be captured")
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name:     "simple error",
			err:      New(CodeValidation, "invalid"),
			contains: []string{"VALIDATION_ERROR", "invalid"},
		},
		{
			name: "error with op",
			err: &Error{
				Code:    CodeBatchTimeout,
				Message: "batch timed out",
				Op:      "session.submit",
			},
			contains: []string{"session.submit", "BATCH_TIMEOUT", "batch timed out"},
		},
		{
			name: "error with underlying",
			err: &Error{
				Code:    CodeInternal,
				Message: "wrapper",
				Err:     fmt.Errorf("underlying error"),
			},
			contains: []string{"wrapper", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			str := tt.err.Error()
			for _, c := range tt.contains {
				if !strings.Contains(str, c) {
					t.Errorf("expected error string to contain %q, got: %s", c, str)
				}
			}
		})
	}
}

func TestWrap(t *testing.T) {
	original := fmt.Errorf("original error")
	wrapped := Wrap(original, "market.lease", "lease failed")

	if wrapped.Code != CodeInternal {
		t.Errorf("expected code=%s, got %s", CodeInternal, wrapped.Code)
	}
	if wrapped.Op != "market.lease" {
		t.Errorf("expected op='market.lease', got %s", wrapped.Op)
	}
	if errors.Unwrap(wrapped) != original {
		t.Error("Unwrap should return original error")
	}
	if Wrap(nil, "op", "message") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWrapPreservesCode(t *testing.T) {
	original := CommandFailed("lease-1", "blender", fmt.Errorf("exit status 1"))
	wrapped := Wrap(original, "session.render", "render failed")

	if wrapped.Code != CodeCommandFailed {
		t.Errorf("expected code to be preserved as %s, got %s", CodeCommandFailed, wrapped.Code)
	}
	if wrapped.Fields["lease_id"] != "lease-1" {
		t.Errorf("expected fields to be preserved, got %v", wrapped.Fields)
	}
}

func TestSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"batch timeout", BatchTimeout("l1", 3, time.Minute), ErrBatchTimeout},
		{"command failed", CommandFailed("l1", "blender", nil), ErrCommandFailed},
		{"inconsistent", Inconsistent("unknown lease %s", "l9"), ErrInconsistentState},
		{"invalid range", InvalidRange(5, 5), ErrInvalidRange},
		{"worker lost", WorkerLost("l1", context.Canceled), ErrWorkerLost},
		{"wrapped by fmt", fmt.Errorf("outer: %w", BatchTimeout("l1", 0, time.Second)), ErrBatchTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("expected %v to match sentinel %v", tt.err, tt.sentinel)
			}
			if errors.Is(tt.err, ErrNotFound) {
				t.Errorf("did not expect %v to match ErrNotFound", tt.err)
			}
		})
	}
}

func TestIsCommandFailure(t *testing.T) {
	if !IsCommandFailure(BatchTimeout("l1", 1, time.Minute)) {
		t.Error("batch timeout should count as a command failure")
	}
	if !IsCommandFailure(Wrap(CommandFailed("l1", "x", nil), "op", "msg")) {
		t.Error("wrapped command failure should be detected")
	}
	if IsCommandFailure(WorkerLost("l1", context.Canceled)) {
		t.Error("worker loss is not a command failure")
	}
	if IsCommandFailure(context.Canceled) {
		t.Error("plain cancellation is not a command failure")
	}
	if IsCommandFailure(nil) {
		t.Error("nil is not a command failure")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeValidation, 400},
		{CodeInvalidRange, 400},
		{CodeNotFound, 404},
		{CodeConflict, 409},
		{CodeAlreadyExists, 409},
		{CodeCommandFailed, 502},
		{CodeInternal, 500},
		{CodeInconsistentState, 500},
		{CodeUnavailable, 503},
		{CodeTimeout, 504},
		{CodeJobTimeout, 504},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "test")
			if err.HTTPStatus() != tt.status {
				t.Errorf("expected status=%d, got %d", tt.status, err.HTTPStatus())
			}
		})
	}
}

func TestInvalidRangeFields(t *testing.T) {
	err := InvalidRange(10, 4)
	if err.Fields["start_frame"] != 10 || err.Fields["end_frame"] != 4 {
		t.Errorf("unexpected fields: %v", err.Fields)
	}
	if !IsValidation(err) {
		t.Error("invalid range should be treated as a validation error")
	}
}

func TestGetCode(t *testing.T) {
	if GetCode(fmt.Errorf("standard error")) != CodeInternal {
		t.Error("expected plain errors to map to internal")
	}
	wrapped := Wrap(New(CodeValidation, "invalid"), "handler", "wrapped")
	if GetCode(wrapped) != CodeValidation {
		t.Errorf("expected code=%s, got %s", CodeValidation, GetCode(wrapped))
	}
}

func TestStackTrace(t *testing.T) {
	err := New(CodeInternal, "test error")

	stack := err.StackTrace()
	if !strings.Contains(stack, ".go:") {
		t.Errorf("expected stack trace to contain file references, got: %s", stack)
	}
}
