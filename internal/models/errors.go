package models

import (
	"fmt"

	"go.temporal.io/sdk/temporal"
)

// ErrorType categorizes an activity-boundary error before it is translated
// into a Temporal application error for the workflow to classify.
type ErrorType int

const (
	ErrorTypeTransient       ErrorType = iota // Network, timeout → Temporal retries
	ErrorTypeContextOverflow                  // Context window exceeded → ContinueAsNew
	ErrorTypeAPILimit                         // Rate limit → surface to user
	ErrorTypeToolFailure                      // Individual tool failed → continue workflow
	ErrorTypeFatal                            // Unrecoverable → stop workflow
)

// String returns the string representation of ErrorType
func (e ErrorType) String() string {
	switch e {
	case ErrorTypeTransient:
		return "Transient"
	case ErrorTypeContextOverflow:
		return "ContextOverflow"
	case ErrorTypeAPILimit:
		return "APILimit"
	case ErrorTypeToolFailure:
		return "ToolFailure"
	case ErrorTypeFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Temporal application-error type tags. The workflow switches on
// ApplicationError.Type() — never on error message text — to decide how to
// react to a failed LLM call.
const (
	LLMErrTypeContextOverflow = "ContextOverflow"
	LLMErrTypeAPILimit        = "APILimit"
	LLMErrTypeFatal           = "Fatal"
)

// ActivityError represents an error from a Temporal activity with categorization
type ActivityError struct {
	Type      ErrorType              `json:"type"`
	Retryable bool                   `json:"retryable"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *ActivityError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// NewTransientError creates a retryable transient error
func NewTransientError(message string) *ActivityError {
	return &ActivityError{
		Type:      ErrorTypeTransient,
		Retryable: true,
		Message:   message,
	}
}

// NewContextOverflowError creates a context overflow error
func NewContextOverflowError(message string) *ActivityError {
	return &ActivityError{
		Type:      ErrorTypeContextOverflow,
		Retryable: false,
		Message:   message,
	}
}

// NewAPILimitError creates an API rate limit error
func NewAPILimitError(message string) *ActivityError {
	return &ActivityError{
		Type:      ErrorTypeAPILimit,
		Retryable: true,
		Message:   message,
	}
}

// NewToolFailureError creates a tool failure error
func NewToolFailureError(message string) *ActivityError {
	return &ActivityError{
		Type:      ErrorTypeToolFailure,
		Retryable: false,
		Message:   message,
	}
}

// NewFatalError creates a fatal error
func NewFatalError(message string) *ActivityError {
	return &ActivityError{
		Type:      ErrorTypeFatal,
		Retryable: false,
		Message:   message,
	}
}

// ToolErrorDetails carries structured context about a failed tool execution
// through a Temporal ApplicationError's Details payload, so the workflow
// never has to parse an error message to decide what to tell the model.
type ToolErrorDetails struct {
	Reason string `json:"reason"`
}

// WrapActivityError converts an activity-boundary ActivityError into the
// Temporal application error the workflow actually inspects, tagging it
// with the matching LLMErrType* string and attaching the message as
// ToolErrorDetails.
func WrapActivityError(e *ActivityError) error {
	if e == nil {
		return nil
	}

	errType := e.Type.String()
	details := ToolErrorDetails{Reason: e.Message}

	if e.Retryable {
		return temporal.NewApplicationError(e.Message, errType, details)
	}
	return temporal.NewNonRetryableApplicationError(e.Message, errType, nil, details)
}

// NewToolNotFoundError builds a non-retryable application error for a tool
// call that names a tool the registry has no handler for.
func NewToolNotFoundError(toolName string) error {
	msg := fmt.Sprintf("tool not found: %s", toolName)
	return temporal.NewNonRetryableApplicationError(msg, ErrorTypeToolFailure.String(), nil,
		ToolErrorDetails{Reason: msg})
}

// NewToolTimeoutError builds a non-retryable application error for a tool
// invocation that exceeded its deadline.
func NewToolTimeoutError(toolName string, err error) error {
	msg := fmt.Sprintf("tool %s timed out: %v", toolName, err)
	return temporal.NewNonRetryableApplicationError(msg, ErrorTypeToolFailure.String(), err,
		ToolErrorDetails{Reason: fmt.Sprintf("tool %s timed out", toolName)})
}

// NewToolValidationError builds a non-retryable application error for a tool
// invocation that failed due to bad arguments or handler-reported failure.
func NewToolValidationError(toolName string, err error) error {
	msg := fmt.Sprintf("tool %s failed: %v", toolName, err)
	return temporal.NewNonRetryableApplicationError(msg, ErrorTypeToolFailure.String(), err,
		ToolErrorDetails{Reason: err.Error()})
}

// NewToolTransientError builds a retryable application error for a tool
// invocation that failed due to a transient condition (e.g. a dropped
// connection to an external process) rather than bad input.
func NewToolTransientError(toolName string, err error) error {
	msg := fmt.Sprintf("tool %s failed transiently: %v", toolName, err)
	return temporal.NewApplicationError(msg, ErrorTypeToolFailure.String(), ToolErrorDetails{Reason: err.Error()})
}
