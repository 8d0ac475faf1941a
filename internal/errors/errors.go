// Package errors provides centralized error definitions and error handling utilities
// for cadence. It defines the sentinel errors of the control loop, typed errors that
// carry context about the failing document, tool or recovery decision, and
// classification helpers used by the CLI to decide what to show and how to exit.
//
// # Error Types
//
// Domain errors:
//   - StateError: a persisted document could not be read or written
//   - PermissionError: a tool call was rejected by the safety layer
//   - InterventionError: the loop gave up and a human must act
//
// Semantic errors:
//   - ValidationError: invalid input or state
//   - TimeoutError: an operation exceeded its deadline
//
// # Usage
//
//	err := errors.NewStateError("load", "state", path, errors.ErrCorruptedState)
//	if errors.Is(err, errors.ErrCorruptedState) { ... }
//
//	var permErr *errors.PermissionError
//	if errors.As(err, &permErr) {
//	    fmt.Println(permErr.Suggestion)
//	}
//
// # Error Classification
//
// Errors can be classified by severity and behavior:
//   - Retryable: transient errors that may succeed on retry (persistence failures, timeouts)
//   - UserFacing: errors safe to display to users
//   - ExitCode: the process exit status the CLI should use
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// State-related sentinel errors
var (
	// ErrStateNotFound indicates that a persisted document is absent.
	ErrStateNotFound = New("state not found")
	// ErrCorruptedState indicates that a persisted document could not be parsed
	// or failed semantic validation.
	ErrCorruptedState = New("state corrupted")
	// ErrPersistenceFailure indicates that writing a document failed.
	ErrPersistenceFailure = New("persistence failure")
	// ErrNotInitialized indicates that the project has no state directory yet.
	ErrNotInitialized = New("project not initialized")
	// ErrAlreadyInitialized indicates that init was run on an initialized project.
	ErrAlreadyInitialized = New("project already initialized")
)

// Loop-related sentinel errors
var (
	// ErrIterationFailure indicates that the agent session reported an error.
	ErrIterationFailure = New("iteration failed")
	// ErrManualIntervention indicates that automatic recovery is exhausted.
	ErrManualIntervention = New("manual intervention required")
	// ErrInvalidTransition indicates a phase or task status change that is not allowed.
	ErrInvalidTransition = New("invalid transition")
	// ErrTaskNotFound indicates that a task id does not exist in the plan.
	ErrTaskNotFound = New("task not found")
	// ErrDuplicateTask indicates that a plan already holds a task with the same id.
	ErrDuplicateTask = New("duplicate task id")
	// ErrRunInProgress indicates that another process holds the run lock.
	ErrRunInProgress = New("another run is in progress")
)

// Safety-related sentinel errors
var (
	// ErrPermissionDenied indicates that a tool call was rejected.
	ErrPermissionDenied = New("permission denied")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// CadenceError is the base interface for typed cadence errors.
type CadenceError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the message is safe to display to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity {
	return e.severity
}

func (e *baseError) IsRetryable() bool {
	return e.retryable
}

func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// StateError represents a failure reading or writing a persisted document.
//
// Example:
//
//	err := errors.NewStateError("load", "plan", "/repo/.cadence/plan.json", errors.ErrCorruptedState)
//	fmt.Println(err) // "state error [op=load, document=plan, path=/repo/.cadence/plan.json]: state corrupted"
type StateError struct {
	baseError
	Op       string
	Document string
	Path     string
}

// NewStateError creates a new StateError. Persistence failures are retryable,
// everything else is not.
func NewStateError(op, document, path string, cause error) *StateError {
	return &StateError{
		baseError: baseError{
			cause:      cause,
			severity:   SeverityError,
			retryable:  errors.Is(cause, ErrPersistenceFailure),
			userFacing: true,
		},
		Op:       op,
		Document: document,
		Path:     path,
	}
}

// WithDetail attaches a detail message, e.g. the parse error.
func (e *StateError) WithDetail(msg string) *StateError {
	e.message = msg
	return e
}

// Error returns the formatted error message.
func (e *StateError) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Document != "" {
		parts = append(parts, fmt.Sprintf("document=%s", e.Document))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}

	prefix := "state error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("state error [%s]", strings.Join(parts, ", "))
	}

	switch {
	case e.message != "" && e.cause != nil:
		return fmt.Sprintf("%s: %v: %s", prefix, e.cause, e.message)
	case e.cause != nil:
		return fmt.Sprintf("%s: %v", prefix, e.cause)
	case e.message != "":
		return fmt.Sprintf("%s: %s", prefix, e.message)
	}
	return prefix
}

// Is checks if this error matches the target.
func (e *StateError) Is(target error) bool {
	if _, ok := target.(*StateError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PermissionError represents a tool call rejected by the safety layer.
//
// Example:
//
//	err := errors.NewPermissionError("Bash", "git push", "git push mutates repository state").
//		WithSuggestion("leave commits and pushes to the operator")
type PermissionError struct {
	baseError
	Tool       string
	Command    string
	Reason     string
	Suggestion string
}

// NewPermissionError creates a new PermissionError.
func NewPermissionError(tool, command, reason string) *PermissionError {
	return &PermissionError{
		baseError: baseError{
			message:    reason,
			cause:      ErrPermissionDenied,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		Tool:    tool,
		Command: command,
		Reason:  reason,
	}
}

// WithSuggestion adds a compliant alternative to the error.
func (e *PermissionError) WithSuggestion(s string) *PermissionError {
	e.Suggestion = s
	return e
}

// Error returns the formatted error message.
func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("permission denied [tool=%s]: %s", e.Tool, e.Reason)
	if e.Suggestion != "" {
		msg += " (suggestion: " + e.Suggestion + ")"
	}
	return msg
}

// Is checks if this error matches the target.
func (e *PermissionError) Is(target error) bool {
	if _, ok := target.(*PermissionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// InterventionError is the terminal reason of a loop that cannot self-heal.
type InterventionError struct {
	baseError
	Reason string
}

// NewInterventionError creates a new InterventionError.
func NewInterventionError(reason string) *InterventionError {
	return &InterventionError{
		baseError: baseError{
			message:    reason,
			cause:      ErrManualIntervention,
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: true,
		},
		Reason: reason,
	}
}

// Error returns the formatted error message.
func (e *InterventionError) Error() string {
	return fmt.Sprintf("manual intervention required: %s", e.Reason)
}

// Is checks if this error matches the target.
func (e *InterventionError) Is(target error) bool {
	if _, ok := target.(*InterventionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("priority must be positive").WithField("priority").WithValue(0)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. Persistence failures and timeouts are retryable;
// corrupted state never is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var cadenceErr CadenceError
	if As(err, &cadenceErr) {
		return cadenceErr.IsRetryable()
	}

	return Is(err, ErrTimeout) || Is(err, ErrPersistenceFailure)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var cadenceErr CadenceError
	if As(err, &cadenceErr) {
		return cadenceErr.IsUserFacing()
	}

	for _, sentinel := range []error{
		ErrStateNotFound, ErrCorruptedState, ErrPersistenceFailure,
		ErrNotInitialized, ErrAlreadyInitialized, ErrInvalidTransition,
		ErrTaskNotFound, ErrDuplicateTask, ErrRunInProgress,
		ErrInvalidInput, ErrTimeout,
	} {
		if Is(err, sentinel) {
			return true
		}
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement CadenceError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var cadenceErr CadenceError
	if As(err, &cadenceErr) {
		return cadenceErr.Severity()
	}
	return SeverityError
}

// ExitCode maps an error to the process exit status: 0 for nil, 1 otherwise.
// Every failure the CLI can report (precondition, validation, domain or
// persistence) shares status 1; the message carries the distinction.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
