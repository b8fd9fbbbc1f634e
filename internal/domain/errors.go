// Package domain contains domain errors used throughout the gateway.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrResourceExhausted   = errors.New("resource exhausted")
	ErrEnvironmentNotReady = errors.New("environment is not ready")
	ErrProcessCrashed      = errors.New("process crashed")
	ErrVersionConflict     = errors.New("version conflict")
	ErrTimeout             = errors.New("operation timed out")
	ErrInvalidEdit         = errors.New("invalid edit")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrNoRunCommand        = errors.New("no run command could be detected")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrHubNotRunning       = errors.New("event hub is not running")
	ErrSubscriberClosed    = errors.New("subscriber is closed")
)

// Error codes for client responses.
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeResourceExhausted   = "RESOURCE_EXHAUSTED"
	ErrCodeEnvironmentNotReady = "ENVIRONMENT_NOT_READY"
	ErrCodeProcessCrashed      = "PROCESS_CRASHED"
	ErrCodeVersionConflict     = "VERSION_CONFLICT"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeInvalidEdit         = "INVALID_EDIT"
	ErrCodeNoRunCommand        = "NO_RUN_COMMAND"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// Code maps an error to its stable wire code.
func Code(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return ErrCodeValidation
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrConflict):
		return ErrCodeConflict
	case errors.Is(err, ErrResourceExhausted):
		return ErrCodeResourceExhausted
	case errors.Is(err, ErrEnvironmentNotReady):
		return ErrCodeEnvironmentNotReady
	case errors.Is(err, ErrProcessCrashed):
		return ErrCodeProcessCrashed
	case errors.Is(err, ErrVersionConflict):
		return ErrCodeVersionConflict
	case errors.Is(err, ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrInvalidEdit):
		return ErrCodeInvalidEdit
	case errors.Is(err, ErrNoRunCommand):
		return ErrCodeNoRunCommand
	case errors.Is(err, ErrRateLimited):
		return ErrCodeRateLimited
	default:
		return ErrCodeInternalError
	}
}

// OpError represents a failed operation on a named resource.
type OpError struct {
	Op       string // Operation that failed
	Resource string // Environment, session or file id
	Err      error  // Underlying error
}

func (e *OpError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError creates a new OpError.
func NewOpError(op, resource string, err error) *OpError {
	return &OpError{
		Op:       op,
		Resource: resource,
		Err:      err,
	}
}

// ProcessError represents a managed process that exited unexpectedly.
type ProcessError struct {
	Op       string   // Operation that failed
	ExitCode int      // Exit code if process exited
	LogTail  []string // Last output lines, if captured
	Err      error    // Underlying error
}

func (e *ProcessError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s: exit code %d: %v", e.Op, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// NewProcessError creates a ProcessError wrapping ErrProcessCrashed.
func NewProcessError(op string, exitCode int, logTail []string) *ProcessError {
	return &ProcessError{
		Op:       op,
		ExitCode: exitCode,
		LogTail:  logTail,
		Err:      ErrProcessCrashed,
	}
}

// VersionConflictError carries the authoritative state of a document after a
// rejected edit.
type VersionConflictError struct {
	FileID         string
	BaseVersion    int64
	CurrentVersion int64
	CurrentContent string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("edit %s: base version %d, current version %d: %v",
		e.FileID, e.BaseVersion, e.CurrentVersion, ErrVersionConflict)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
