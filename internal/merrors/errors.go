// Package merrors defines the error taxonomy shared by every mdmd component.
// Errors carry a stable code used for HTTP mapping, retry decisions, and
// alerting on invariant violations.
package merrors

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrorCode classifies an error for transport mapping and retry logic.
type ErrorCode string

const (
	ErrCodeUnknown           ErrorCode = "UNKNOWN"
	ErrCodeInvalidInput      ErrorCode = "INVALID_ARGUMENT"
	ErrCodeUnauthenticated   ErrorCode = "UNAUTHENTICATED"
	ErrCodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists     ErrorCode = "ALREADY_EXISTS"
	ErrCodeRateLimited       ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeUnavailable       ErrorCode = "UNAVAILABLE"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeInternal          ErrorCode = "INTERNAL"
	// ErrCodeInvariant marks corruption that must stop the process rather
	// than be retried, such as dropping an unarchived heartbeat partition.
	ErrCodeInvariant ErrorCode = "INVARIANT_VIOLATION"
)

// Severity indicates how loudly an error should be surfaced.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type used across mdmd.
type Error struct {
	Code       ErrorCode
	Message    string
	Cause      error
	Severity   Severity
	Retryable  bool
	Metadata   map[string]any
	RequestID  string
	RetryAfter *time.Duration
	StackTrace string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is treats two errors with the same code as equivalent.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// WithMetadata attaches a key/value pair for structured logging.
func (e *Error) WithMetadata(key string, value any) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// WithRequestID tags the error with the request that produced it.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithRetryAfter hints how long callers should back off before retrying.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = &d
	e.Retryable = true
	return e
}

// New creates an Error with a captured stack trace.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Severity:   defaultSeverity(code),
		Retryable:  defaultRetryable(code),
		StackTrace: captureStack(2),
	}
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	e := New(code, fmt.Sprintf(format, args...))
	e.StackTrace = captureStack(2)
	return e
}

// Wrap annotates an existing error with a code and message.
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Cause:      err,
		Severity:   defaultSeverity(code),
		Retryable:  defaultRetryable(code),
		StackTrace: captureStack(2),
	}
}

// Wrapf annotates an existing error with a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *Error {
	e := Wrap(err, code, fmt.Sprintf(format, args...))
	e.StackTrace = captureStack(2)
	return e
}

func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrCodeUnavailable, ErrCodeTimeout, ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

func defaultSeverity(code ErrorCode) Severity {
	switch code {
	case ErrCodeInvariant:
		return SeverityCritical
	case ErrCodeInternal, ErrCodeUnavailable:
		return SeverityError
	case ErrCodeTimeout, ErrCodeRateLimited:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// IsRetryable reports whether the error may succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCode extracts the code from an error, or ErrCodeUnknown.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeUnknown
}

// Is reports whether err matches target, honoring code equality.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first Error in err's chain.
func As(err error, target any) bool {
	return errors.As(err, target)
}

type contextKey struct{}

// WithError stores an error on the context for middleware to pick up.
func WithError(ctx context.Context, err *Error) context.Context {
	return context.WithValue(ctx, contextKey{}, err)
}

// GetError retrieves an error stored with WithError, or nil.
func GetError(ctx context.Context) *Error {
	if e, ok := ctx.Value(contextKey{}).(*Error); ok {
		return e
	}
	return nil
}

// ErrorHandler funnels errors and recovered panics to callbacks, tagging
// them with a request id when one is set.
type ErrorHandler struct {
	RequestID string
	OnError   func(err *Error)
	OnPanic   func(recovered any, stack string)
}

// Handle dispatches an error to the OnError callback.
func (h *ErrorHandler) Handle(err *Error) {
	if err == nil {
		return
	}
	if h.RequestID != "" && err.RequestID == "" {
		err.RequestID = h.RequestID
	}
	if h.OnError != nil {
		h.OnError(err)
	}
}

// HandlePanic recovers a panic in the calling goroutine. Use with defer.
func (h *ErrorHandler) HandlePanic() {
	if recovered := recover(); recovered != nil {
		stack := captureStack(3)
		if h.OnPanic != nil {
			h.OnPanic(recovered, stack)
		}
	}
}

func captureStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b []byte
	for {
		frame, more := frames.Next()
		b = fmt.Appendf(b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return string(b)
}
