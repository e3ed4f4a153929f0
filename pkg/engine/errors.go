package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass decides whether a failed command is retried.
type ErrorClass string

const (
	// ErrorClassTransient covers failures expected to clear on their own, such
	// as a registry timing out or a port still in use.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled covers rate limits. Retried after the backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict covers state races, such as a resource another
	// process is still creating.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent covers failures a retry cannot fix: a malformed
	// pattern, a command out of retries, a failed critical check.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassConnectivity means the target platform cannot be reached.
	// Never retried; the bootstrap loop stops at once.
	ErrorClassConnectivity ErrorClass = "connectivity"
)

// Retryable reports whether a command failing with this class may run again.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	default:
		return false
	}
}

// Error codes carried by EngineError.Code.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeCommandFailed    = "COMMAND_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeConnectivity     = "CONNECTIVITY"
	ErrCodePatternNotFound  = "PATTERN_NOT_FOUND"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeExhausted        = "ITERATIONS_EXHAUSTED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
)

// EngineError is the classified error returned by every pforge component.
// nolint:revive // the package-qualified name reads engine.EngineError on purpose
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Code    string     `json:"code,omitempty"`

	// Resource is the task or resource ID the error concerns.
	Resource string `json:"resource,omitempty"`

	// Operation names the step that failed, e.g. "compile" or "execute".
	Operation string `json:"operation,omitempty"`

	Err     error                  `json:"-"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError returns a retryable error for a failure expected to clear.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewThrottledError returns a retryable error for a rate-limited call.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

// NewConflictError returns a retryable error for a state conflict.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError returns an error that is never retried.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewConnectivityError returns an error for an unreachable target. It always
// carries ErrCodeConnectivity.
func NewConnectivityError(message string, err error) *EngineError {
	return newError(ErrorClassConnectivity, message, err).WithCode(ErrCodeConnectivity)
}

// Error formats the error as "[class] message (context): cause".
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)

	var ctx []string
	if e.Resource != "" {
		ctx = append(ctx, "resource="+e.Resource)
	}
	if e.Operation != "" && e.Resource != "" {
		ctx = append(ctx, "operation="+e.Operation)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}

	b.WriteString(": ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError with the same class and code, so sentinel
// values work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

// WithResource sets the task or resource the error concerns.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation sets the failing step.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail attaches a key/value pair, e.g. exit codes or policy violations.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in err's chain, or the
// empty class when there is none.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// HasCode reports whether the first EngineError in err's chain carries code.
func HasCode(err error, code string) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == code
}

func IsTransient(err error) bool    { return ClassOf(err) == ErrorClassTransient }
func IsThrottled(err error) bool    { return ClassOf(err) == ErrorClassThrottled }
func IsConflict(err error) bool     { return ClassOf(err) == ErrorClassConflict }
func IsPermanent(err error) bool    { return ClassOf(err) == ErrorClassPermanent }
func IsConnectivity(err error) bool { return ClassOf(err) == ErrorClassConnectivity }

// IsRetryable reports whether err belongs to a retryable class.
func IsRetryable(err error) bool {
	return ClassOf(err).Retryable()
}
