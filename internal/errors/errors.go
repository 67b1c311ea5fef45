// Package errors defines the failure taxonomy shared by the orchestration
// services and the HTTP transport.
//
// Every failure surfaced to a caller belongs to exactly one kind:
//   - ValidationError: malformed or missing input, never retried
//   - NotFoundError: unknown session or work-item id
//   - StateTransitionError: command not valid in the current session state
//   - AlreadyRunningError: a second live process handle was requested
//   - ProcessError: the agent process failed to spawn, crashed or reported an error
//   - TimeoutError: no response within the message deadline
//
// Each typed error matches its sentinel, so callers can branch with
//
//	if errors.Is(err, errors.ErrNotFound) { ... }
//
// or extract details with errors.As.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Sentinel errors, one per kind.
var (
	ErrValidation             = New("validation failed")
	ErrNotFound               = New("not found")
	ErrInvalidStateTransition = New("invalid state transition")
	ErrAlreadyRunning         = New("already running")
	ErrProcessFailure         = New("process failure")
	ErrTimeout                = New("timed out")
)

// Kind names used on the wire.
const (
	KindValidation             = "validation_error"
	KindNotFound               = "not_found"
	KindInvalidStateTransition = "invalid_state_transition"
	KindAlreadyRunning         = "already_running"
	KindProcessFailure         = "process_failure"
	KindTimeout                = "timeout"
	KindInternal               = "internal"
)

// KindOf classifies err into one of the wire kinds.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrValidation):
		return KindValidation
	case Is(err, ErrNotFound):
		return KindNotFound
	case Is(err, ErrInvalidStateTransition):
		return KindInvalidStateTransition
	case Is(err, ErrAlreadyRunning):
		return KindAlreadyRunning
	case Is(err, ErrProcessFailure):
		return KindProcessFailure
	case Is(err, ErrTimeout):
		return KindTimeout
	default:
		return KindInternal
	}
}

// ValidationError represents invalid caller input.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError represents an unknown resource id.
type NotFoundError struct {
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceID: resourceID}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StateTransitionError is returned when a command is not valid in the
// session's current status.
type StateTransitionError struct {
	SessionID string
	From      string
	Command   string
}

// NewStateTransitionError creates a StateTransitionError.
func NewStateTransitionError(sessionID, from, command string) *StateTransitionError {
	return &StateTransitionError{SessionID: sessionID, From: from, Command: command}
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("session '%s': cannot %s from status %s", e.SessionID, e.Command, e.From)
}

// Is matches ErrInvalidStateTransition.
func (e *StateTransitionError) Is(target error) bool { return target == ErrInvalidStateTransition }

// AlreadyRunningError is returned when a live process handle already exists.
type AlreadyRunningError struct {
	SessionID string
}

// NewAlreadyRunningError creates an AlreadyRunningError.
func NewAlreadyRunningError(sessionID string) *AlreadyRunningError {
	return &AlreadyRunningError{SessionID: sessionID}
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("session '%s' already has a live process", e.SessionID)
}

// Is matches ErrAlreadyRunning.
func (e *AlreadyRunningError) Is(target error) bool { return target == ErrAlreadyRunning }

// ProcessError wraps a failure of the external agent process.
type ProcessError struct {
	SessionID string
	ErrorType string
	cause     error
}

// NewProcessError creates a ProcessError.
func NewProcessError(sessionID, errorType string, cause error) *ProcessError {
	return &ProcessError{SessionID: sessionID, ErrorType: errorType, cause: cause}
}

func (e *ProcessError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("session '%s' process %s: %v", e.SessionID, e.ErrorType, e.cause)
	}
	return fmt.Sprintf("session '%s' process %s", e.SessionID, e.ErrorType)
}

func (e *ProcessError) Unwrap() error { return e.cause }

// Is matches ErrProcessFailure.
func (e *ProcessError) Is(target error) bool { return target == ErrProcessFailure }

// TimeoutError is returned when the agent did not answer within the deadline.
type TimeoutError struct {
	SessionID string
	After     time.Duration
}

// NewTimeoutError creates a TimeoutError.
func NewTimeoutError(sessionID string, after time.Duration) *TimeoutError {
	return &TimeoutError{SessionID: sessionID, After: after}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session '%s': no response within %s", e.SessionID, e.After)
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
