package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeRuntime           = "RUNTIME_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCommunication     = "COMMUNICATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodePermission        = "PERMISSION_ERROR"
)

// ErrorTypeBase prefixes the standard error type URIs.
const ErrorTypeBase = "https://serverlessworkflow.io/spec/1.0.0/errors/"

var codeTypes = map[string]string{
	ErrCodeConfiguration: "configuration",
	ErrCodeExpression:    "expression",
	ErrCodeRuntime:       "runtime",
	ErrCodeCancelled:     "cancelled",
	ErrCodeTimeout:       "timeout",
	ErrCodeValidation:    "validation",
	ErrCodeCommunication: "communication",
	ErrCodeNotFound:      "not-found",
	ErrCodeStore:         "runtime",
	ErrCodePermission:    "authorization",
}

var codeStatus = map[string]int{
	ErrCodeConfiguration: 400,
	ErrCodeExpression:    400,
	ErrCodeValidation:    400,
	ErrCodeNotFound:      404,
	ErrCodeTimeout:       408,
	ErrCodeRuntime:       500,
	ErrCodeCommunication: 500,
	ErrCodeStore:         500,
	ErrCodePermission:    403,
}

var retryableCodes = map[string]bool{
	ErrCodeRuntime:       true,
	ErrCodeTimeout:       true,
	ErrCodeCommunication: true,
	ErrCodeStore:         true,
}

// FlowError is the classified error recorded on faulted task and workflow instances.
type FlowError struct {
	Type    string         `json:"type"`
	Status  int            `json:"status,omitempty"`
	Code    string         `json:"code"`
	Title   string         `json:"title,omitempty"`
	Message string         `json:"detail"`
	Details map[string]any `json:"details,omitempty"`
	TaskRef string         `json:"instance,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.TaskRef != "" {
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.TaskRef, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError, deriving type and status from the code.
func NewError(code, message string) *FlowError {
	return &FlowError{
		Type:    TypeForCode(code),
		Status:  codeStatus[code],
		Code:    code,
		Message: message,
	}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithTask attaches the task reference the error originated from.
// An existing reference is kept so the originating task survives propagation.
func (e *FlowError) WithTask(ref string) *FlowError {
	if e.TaskRef == "" {
		e.TaskRef = ref
	}
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// Is reports code equality so errors.Is works against sentinel FlowErrors.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// IsRetryable reports whether retrying the failed operation could succeed.
// Configuration, expression, validation and permission errors are permanent.
func (e *FlowError) IsRetryable() bool {
	return retryableCodes[e.Code]
}

// TypeForCode returns the standard error type URI for a code.
func TypeForCode(code string) string {
	if t, ok := codeTypes[code]; ok {
		return ErrorTypeBase + t
	}
	return ErrorTypeBase + "runtime"
}

// CodeForType maps an error type URI (or its short form) back to a code.
// Unknown types classify as runtime errors.
func CodeForType(typ string) string {
	short := strings.TrimPrefix(typ, ErrorTypeBase)
	for code, t := range codeTypes {
		if t == short && code != ErrCodeStore {
			return code
		}
	}
	return ErrCodeRuntime
}

// AsFlowError classifies any error into a FlowError.
func AsFlowError(err error) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, ErrSuspended):
		return NewError(ErrCodeCancelled, "task suspended").WithCause(err)
	case errors.Is(err, context.Canceled):
		return NewError(ErrCodeCancelled, "task cancelled").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrCodeTimeout, "task timed out").WithCause(err)
	}
	return NewError(ErrCodeRuntime, err.Error()).WithCause(err)
}

// IsCancelled reports whether err represents cooperative cancellation.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrSuspended) {
		return true
	}
	var fe *FlowError
	return errors.As(err, &fe) && fe.Code == ErrCodeCancelled
}

// ErrSuspended is the cancellation cause used when a workflow is parked.
var ErrSuspended = errors.New("workflow suspended")
