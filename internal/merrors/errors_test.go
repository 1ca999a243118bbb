package merrors

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		code    ErrorCode
		message string
	}{
		{
			name:    "not found",
			code:    ErrCodeNotFound,
			message: "device not found",
		},
		{
			name:    "internal",
			code:    ErrCodeInternal,
			message: "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)

			if err.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, err.Code)
			}
			if err.Message != tt.message {
				t.Errorf("expected message %s, got %s", tt.message, err.Message)
			}
			if err.StackTrace == "" {
				t.Error("expected stack trace to be captured")
			}
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name: "code and message",
			err: &Error{
				Code:    ErrCodeInvalidInput,
				Message: "invalid input provided",
			},
			expected: "[INVALID_ARGUMENT] invalid input provided",
		},
		{
			name: "wrapped cause",
			err: &Error{
				Code:    ErrCodeInternal,
				Message: "operation failed",
				Cause:   errors.New("underlying error"),
			},
			expected: "[INTERNAL] operation failed: underlying error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("original error")

	wrapped := Wrap(originalErr, ErrCodeInternal, "wrapper message")

	if wrapped.Code != ErrCodeInternal {
		t.Errorf("expected code %s, got %s", ErrCodeInternal, wrapped.Code)
	}
	if !strings.Contains(wrapped.Error(), "wrapper message") {
		t.Error("expected wrapped message in error string")
	}
	if !strings.Contains(wrapped.Error(), "original error") {
		t.Error("expected original error in error string")
	}
	if !errors.Is(wrapped, originalErr) {
		t.Error("expected wrapped error to match original with errors.Is")
	}
}

func TestErrorMetadata(t *testing.T) {
	err := New(ErrCodeRateLimited, "too many requests")

	err = err.WithMetadata("requests_per_second", 100)
	err = err.WithMetadata("limit", 50)

	if err.Metadata["requests_per_second"] != 100 {
		t.Error("expected metadata to contain requests_per_second")
	}
	if err.Metadata["limit"] != 50 {
		t.Error("expected metadata to contain limit")
	}

	err = err.WithRequestID("req-123")
	if err.RequestID != "req-123" {
		t.Errorf("expected request ID req-123, got %s", err.RequestID)
	}

	retryAfter := 5 * time.Second
	err = err.WithRetryAfter(retryAfter)
	if *err.RetryAfter != retryAfter {
		t.Errorf("expected retry after %v, got %v", retryAfter, *err.RetryAfter)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "timeout is retryable",
			err:       New(ErrCodeTimeout, "deadline exceeded"),
			retryable: true,
		},
		{
			name:      "unavailable is retryable",
			err:       New(ErrCodeUnavailable, "dependency down"),
			retryable: true,
		},
		{
			name:      "invalid input is not retryable",
			err:       New(ErrCodeInvalidInput, "bad payload"),
			retryable: false,
		},
		{
			name:      "nil is not retryable",
			err:       nil,
			retryable: false,
		},
		{
			name:      "plain error is not retryable",
			err:       errors.New("standard error"),
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("expected retryable=%v, got %v", tt.retryable, got)
			}
		})
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCode
	}{
		{
			name:     "typed error",
			err:      New(ErrCodeNotFound, "not found"),
			expected: ErrCodeNotFound,
		},
		{
			name:     "plain error",
			err:      errors.New("standard error"),
			expected: ErrCodeUnknown,
		},
		{
			name:     "nil",
			err:      nil,
			expected: ErrCodeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.expected {
				t.Errorf("expected code %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		severity Severity
		expected string
	}{
		{SeverityDebug, "DEBUG"},
		{SeverityInfo, "INFO"},
		{SeverityWarning, "WARNING"},
		{SeverityError, "ERROR"},
		{SeverityCritical, "CRITICAL"},
	}

	for _, tt := range tests {
		if got := tt.severity.String(); got != tt.expected {
			t.Errorf("expected %s, got %s", tt.expected, got)
		}
	}
}

func TestInvariantSeverity(t *testing.T) {
	err := New(ErrCodeInvariant, "partition dropped while holding rows")
	if err.Severity != SeverityCritical {
		t.Errorf("expected critical severity, got %s", err.Severity)
	}
	if err.Retryable {
		t.Error("invariant violations must not be retryable")
	}
}

func TestErrorHandler(t *testing.T) {
	var capturedError *Error
	var capturedPanic any
	var capturedStack string

	handler := &ErrorHandler{
		RequestID: "test-request-123",
		OnError: func(err *Error) {
			capturedError = err
		},
		OnPanic: func(recovered any, stack string) {
			capturedPanic = recovered
			capturedStack = stack
		},
	}

	handler.Handle(New(ErrCodeInternal, "test error"))

	if capturedError == nil {
		t.Fatal("expected error to be captured")
	}
	if capturedError.RequestID != "test-request-123" {
		t.Errorf("expected request ID to be set, got %s", capturedError.RequestID)
	}

	func() {
		defer handler.HandlePanic()
		panic("test panic")
	}()

	if capturedPanic != "test panic" {
		t.Errorf("expected panic message 'test panic', got %v", capturedPanic)
	}
	if capturedStack == "" {
		t.Error("expected stack trace to be captured")
	}
}

func TestContextWithError(t *testing.T) {
	ctx := context.Background()
	err := New(ErrCodeTimeout, "operation timed out")

	ctx = WithError(ctx, err)

	retrieved := GetError(ctx)
	if retrieved == nil {
		t.Fatal("expected error to be retrieved from context")
	}
	if retrieved.Code != ErrCodeTimeout {
		t.Errorf("expected code %s, got %s", ErrCodeTimeout, retrieved.Code)
	}

	if GetError(context.Background()) != nil {
		t.Error("expected nil error from empty context")
	}
}

func TestIsMatchesCode(t *testing.T) {
	err1 := New(ErrCodeNotFound, "not found")
	err2 := New(ErrCodeNotFound, "also not found")

	if !Is(err1, err2) {
		t.Error("expected Is to match errors with the same code")
	}

	wrapped := Wrap(err1, ErrCodeInternal, "wrapped")
	if !Is(wrapped, err1) {
		t.Error("expected Is to see through the wrap chain")
	}
}

func TestErrorChaining(t *testing.T) {
	err1 := errors.New("database connection failed")
	err2 := Wrap(err1, ErrCodeUnavailable, "repository error")
	err3 := Wrap(err2, ErrCodeInternal, "service error")

	if !errors.Is(err3, err1) {
		t.Error("expected error chain to contain original error")
	}

	errStr := err3.Error()
	for _, want := range []string{"service error", "repository error", "database connection failed"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("expected error string to contain %q", want)
		}
	}
}

func TestStackTraceCapture(t *testing.T) {
	err := New(ErrCodeInternal, "test error")

	if err.StackTrace == "" {
		t.Fatal("expected stack trace to be captured")
	}
	if !strings.Contains(err.StackTrace, "TestStackTraceCapture") {
		t.Error("expected stack trace to contain test function name")
	}
	if !strings.Contains(err.StackTrace, "errors_test.go") {
		t.Error("expected stack trace to contain test file name")
	}
}

func BenchmarkNew(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = New(ErrCodeInternal, "benchmark error")
	}
}

func BenchmarkWrap(b *testing.B) {
	baseErr := errors.New("base error")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Wrap(baseErr, ErrCodeInternal, "wrapped error")
	}
}
