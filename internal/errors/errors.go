// Package errors provides centralized error definitions and error handling utilities
// for the switchyard core. It defines the error taxonomy shared by every component,
// semantic error types with context builders, and error classification helpers.
//
// # Error Categories
//
// Every failure returned across a component boundary belongs to exactly one category:
//
//   - NotFound: id-based lookups that miss
//   - InvalidState: the operation is not valid for the current lifecycle state
//   - PermissionDenied: capability or ownership checks failed
//   - ResourceExhausted: unit, process or session limits were reached
//   - Timeout: a response-required send or a process spawn timed out
//   - ChannelClosed: the channel carrying a request was destroyed
//   - Conflict: a manual conflict was left unresolved
//
// Each category has a sentinel (ErrNotFound, ErrInvalidState, ...) and a typed error
// (NotFoundError, InvalidStateError, ...). Typed errors match both their category
// sentinel and their cause, so callers can branch on the category or on the
// specific reason:
//
//	if errors.Is(err, errors.ErrResourceExhausted) { ... } // any limit
//	if errors.Is(err, errors.ErrSessionFull) { ... }       // this limit
//
// # Error Classification
//
// Errors can be classified by severity and behavior:
//   - Retryable: transient errors that may succeed on retry
//   - UserFacing: errors safe to display to users (vs internal errors)
//   - Severity: Debug, Info, Warning, Error, Critical
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

// Category sentinels. Every typed error matches exactly one of these.
var (
	// ErrNotFound indicates an id-based lookup found nothing.
	ErrNotFound = New("not found")
	// ErrInvalidState indicates the operation is not valid in the current lifecycle state.
	ErrInvalidState = New("invalid state")
	// ErrPermissionDenied indicates a capability or ownership check failed.
	ErrPermissionDenied = New("permission denied")
	// ErrResourceExhausted indicates a configured limit was reached.
	ErrResourceExhausted = New("resource exhausted")
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrChannelClosed indicates the channel was destroyed while in use.
	ErrChannelClosed = New("channel closed")
	// ErrConflict indicates a write conflict that was left unresolved.
	ErrConflict = New("unresolved conflict")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// Channel registry reasons.
var (
	// ErrInvalidEndpoints indicates a channel was requested with fewer than two endpoints.
	ErrInvalidEndpoints = New("a channel needs at least two endpoints")
	// ErrNoChannel indicates no channel connects the sender and the recipient.
	ErrNoChannel = New("no channel between endpoints")
	// ErrResponseTimeout indicates a correlated response did not arrive in time.
	ErrResponseTimeout = New("response timeout")
)

// Supervisor and unit manager reasons.
var (
	// ErrProcessBusy indicates a process still owns units and cannot be destroyed.
	ErrProcessBusy = New("process still owns units")
	// ErrProcessDead indicates an operation was attempted on a dead process.
	ErrProcessDead = New("process is dead")
	// ErrSpaceNotFound indicates the target space does not exist.
	ErrSpaceNotFound = New("space not found")
	// ErrUnitLimitExceeded indicates the configured max-units bound is reached.
	ErrUnitLimitExceeded = New("unit limit exceeded")
	// ErrUnitBusy indicates another lifecycle transition is in progress for the unit.
	ErrUnitBusy = New("unit transition in progress")
)

// Coordinator reasons.
var (
	// ErrSessionFull indicates the session has reached maxParticipants.
	ErrSessionFull = New("session full")
	// ErrSessionNotActive indicates the session is paused or ended.
	ErrSessionNotActive = New("session not active")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// CoreError is the base interface for all switchyard errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type CoreError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	// This is used by errors.Is() for error comparison.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// format renders "prefix: message[: cause]".
func (e *baseError) format(prefix string) string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("unit", "abc123")
//	fmt.Println(err) // "unit 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	if target == ErrNotFound {
		return true
	}
	return e.baseError.Is(target)
}

// InvalidStateError represents an operation that is not valid for the
// current lifecycle state of a resource.
//
// Example:
//
//	err := errors.NewInvalidStateError("unit", "u1", "unit is already suspended")
//	err = err.WithState("suspended")
type InvalidStateError struct {
	baseError
	ResourceType string
	ResourceID   string
	State        string
}

// NewInvalidStateError creates a new InvalidStateError.
func NewInvalidStateError(resourceType, resourceID, message string) *InvalidStateError {
	return &InvalidStateError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithState records the state that made the operation invalid.
func (e *InvalidStateError) WithState(state string) *InvalidStateError {
	e.State = state
	return e
}

// WithCause adds a cause to the error.
func (e *InvalidStateError) WithCause(cause error) *InvalidStateError {
	e.cause = cause
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *InvalidStateError) WithRetryable(r bool) *InvalidStateError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *InvalidStateError) Error() string {
	var parts []string
	if e.ResourceType != "" {
		parts = append(parts, fmt.Sprintf("%s=%s", e.ResourceType, e.ResourceID))
	}
	if e.State != "" {
		parts = append(parts, fmt.Sprintf("state=%s", e.State))
	}
	prefix := "invalid state"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("invalid state [%s]", strings.Join(parts, ", "))
	}
	return e.format(prefix)
}

// Is checks if this error matches the target.
func (e *InvalidStateError) Is(target error) bool {
	if _, ok := target.(*InvalidStateError); ok {
		return true
	}
	if target == ErrInvalidState {
		return true
	}
	return e.baseError.Is(target)
}

// PermissionDeniedError represents a failed capability or ownership check.
//
// Example:
//
//	err := errors.NewPermissionDeniedError("u2", "write", "context ctx-1")
//	fmt.Println(err) // "permission denied: u2 may not write context ctx-1"
type PermissionDeniedError struct {
	baseError
	Subject string
	Action  string
	Object  string
}

// NewPermissionDeniedError creates a new PermissionDeniedError.
func NewPermissionDeniedError(subject, action, object string) *PermissionDeniedError {
	return &PermissionDeniedError{
		baseError: baseError{
			message:    fmt.Sprintf("%s may not %s %s", subject, action, object),
			severity:   SeverityWarning,
			userFacing: true,
		},
		Subject: subject,
		Action:  action,
		Object:  object,
	}
}

// Error returns the formatted error message.
func (e *PermissionDeniedError) Error() string {
	return e.format("permission denied")
}

// Is checks if this error matches the target.
func (e *PermissionDeniedError) Is(target error) bool {
	if _, ok := target.(*PermissionDeniedError); ok {
		return true
	}
	if target == ErrPermissionDenied {
		return true
	}
	return e.baseError.Is(target)
}

// ResourceExhaustedError represents a configured limit that was reached.
//
// Example:
//
//	err := errors.NewResourceExhaustedError("session", 2).WithCause(errors.ErrSessionFull)
//	errors.Is(err, errors.ErrSessionFull)      // true
//	errors.Is(err, errors.ErrResourceExhausted) // true
type ResourceExhaustedError struct {
	baseError
	Resource string
	Limit    int
}

// NewResourceExhaustedError creates a new ResourceExhaustedError.
func NewResourceExhaustedError(resource string, limit int) *ResourceExhaustedError {
	return &ResourceExhaustedError{
		baseError: baseError{
			message:    fmt.Sprintf("%s limit of %d reached", resource, limit),
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Resource: resource,
		Limit:    limit,
	}
}

// WithCause adds a cause to the error.
func (e *ResourceExhaustedError) WithCause(cause error) *ResourceExhaustedError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ResourceExhaustedError) Error() string {
	return e.format("resource exhausted")
}

// Is checks if this error matches the target.
func (e *ResourceExhaustedError) Is(target error) bool {
	if _, ok := target.(*ResourceExhaustedError); ok {
		return true
	}
	if target == ErrResourceExhausted {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("spawning render process", 10*time.Second)
//	fmt.Println(err) // "timeout error: spawning render process (timeout: 10s)"
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
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// WithRetryable sets whether the error is retryable (default true for timeouts).
func (e *TimeoutError) WithRetryable(r bool) *TimeoutError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// ChannelClosedError is returned to senders whose channel was destroyed
// while a send or a response wait was outstanding.
type ChannelClosedError struct {
	baseError
	ChannelID string
}

// NewChannelClosedError creates a new ChannelClosedError.
func NewChannelClosedError(channelID string) *ChannelClosedError {
	return &ChannelClosedError{
		baseError: baseError{
			message:    fmt.Sprintf("channel '%s' was closed", channelID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ChannelID: channelID,
	}
}

// Error returns the formatted error message.
func (e *ChannelClosedError) Error() string {
	return e.baseError.Error()
}

// Is checks if this error matches the target.
func (e *ChannelClosedError) Is(target error) bool {
	if _, ok := target.(*ChannelClosedError); ok {
		return true
	}
	if target == ErrChannelClosed {
		return true
	}
	return e.baseError.Is(target)
}

// ConflictError carries an unresolved write conflict back to the caller.
// Record holds the conflict audit entry (typically a coordination.ConflictRecord).
type ConflictError struct {
	baseError
	ContextID string
	Key       string
	Record    any
}

// NewConflictError creates a new ConflictError.
func NewConflictError(contextID, key string, record any) *ConflictError {
	return &ConflictError{
		baseError: baseError{
			message:    fmt.Sprintf("conflicting writes to '%s' in context '%s' need manual resolution", key, contextID),
			severity:   SeverityInfo,
			userFacing: true,
		},
		ContextID: contextID,
		Key:       key,
		Record:    record,
	}
}

// Error returns the formatted error message.
func (e *ConflictError) Error() string {
	return e.baseError.Error()
}

// Is checks if this error matches the target.
func (e *ConflictError) Is(target error) bool {
	if _, ok := target.(*ConflictError); ok {
		return true
	}
	if target == ErrConflict {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input.
//
// Example:
//
//	err := errors.NewValidationError("endpoint names cannot be empty")
//	err = err.WithField("endpoints").WithValue([]string{""})
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
	return e.format(prefix)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing CoreError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var coreErr CoreError
	if As(err, &coreErr) {
		return coreErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var coreErr CoreError
	if As(err, &coreErr) {
		return coreErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement CoreError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var coreErr CoreError
	if As(err, &coreErr) {
		return coreErr.Severity()
	}

	return SeverityError
}

// Category returns the category sentinel the error belongs to, or nil when the
// error is not part of the taxonomy.
func Category(err error) error {
	for _, sentinel := range []error{
		ErrNotFound, ErrInvalidState, ErrPermissionDenied, ErrResourceExhausted,
		ErrTimeout, ErrChannelClosed, ErrConflict, ErrInvalidInput,
	} {
		if Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this returns nil for a nil error.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to restore unit")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to suspend unit %s", unitID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
