package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for agent operations
var (
	// ErrUnknownTool indicates a tool_use named a tool that is not registered
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidToolInput indicates tool input failed schema validation
	ErrInvalidToolInput = errors.New("invalid tool input")

	// ErrBudgetExceeded indicates the loop hit its step limit
	ErrBudgetExceeded = errors.New("step budget exceeded")

	// ErrProviderUnavailable indicates retryable provider failures outlasted the retry budget
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderRejected indicates the provider refused the request
	ErrProviderRejected = errors.New("provider rejected request")

	// ErrNoProvider indicates no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")

	// ErrInterrupted indicates a tool use was never dispatched because the run was cancelled
	ErrInterrupted = errors.New("human stopped or interrupted tool execution")
)

// RetryableError is implemented by provider errors that know whether a
// repeat of the same request may succeed.
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable reports whether err, or any error it wraps, is a RetryableError
// that asks to be retried.
func IsRetryable(err error) bool {
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return false
}

// ToolErrorType categorizes tool dispatch errors.
type ToolErrorType string

const (
	// ToolErrorNotFound indicates the tool doesn't exist
	ToolErrorNotFound ToolErrorType = "not_found"

	// ToolErrorInvalidInput indicates invalid parameters were passed
	ToolErrorInvalidInput ToolErrorType = "invalid_input"

	// ToolErrorTimeout indicates the tool timed out
	ToolErrorTimeout ToolErrorType = "timeout"

	// ToolErrorExecution indicates a runtime error during execution
	ToolErrorExecution ToolErrorType = "execution"

	// ToolErrorPanic indicates the tool panicked
	ToolErrorPanic ToolErrorType = "panic"

	// ToolErrorInterrupted indicates the tool never ran because the run was cancelled
	ToolErrorInterrupted ToolErrorType = "interrupted"
)

// ToolError represents a structured error from tool dispatch.
type ToolError struct {
	// Type categorizes the error
	Type ToolErrorType

	// ToolName is the name of the tool that failed
	ToolName string

	// ToolUseID is the ID of the tool use that failed
	ToolUseID string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))

	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a new ToolError classified from its cause.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ToolErrorExecution,
	}

	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
	}

	return err
}

// WithToolUseID sets the tool use ID for correlating errors with specific calls.
func (e *ToolError) WithToolUseID(id string) *ToolError {
	e.ToolUseID = id
	return e
}

// WithMessage sets a custom human-readable error message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

func classifyToolError(err error) ToolErrorType {
	switch {
	case errors.Is(err, ErrUnknownTool):
		return ToolErrorNotFound
	case errors.Is(err, ErrInvalidToolInput):
		return ToolErrorInvalidInput
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	case errors.Is(err, ErrInterrupted):
		return ToolErrorInterrupted
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "deadline exceeded") {
		return ToolErrorTimeout
	}
	return ToolErrorExecution
}

// LoopError represents an error that occurred during the agentic loop execution
// with context about which phase and iteration the error occurred in.
type LoopError struct {
	// Phase is the loop phase where the error occurred
	Phase LoopPhase

	// Iteration is the loop iteration where the error occurred
	Iteration int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopPhase represents a distinct phase in the agentic loop lifecycle.
type LoopPhase string

const (
	// PhaseInit is the initialization phase
	PhaseInit LoopPhase = "init"

	// PhaseStream is the LLM streaming phase
	PhaseStream LoopPhase = "stream"

	// PhaseExecuteTools is the tool execution phase
	PhaseExecuteTools LoopPhase = "execute_tools"

	// PhaseComplete is the completion phase
	PhaseComplete LoopPhase = "complete"
)
