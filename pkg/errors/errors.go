// Package errors provides custom error types for the rostersync system.
// These errors enable programmatic error checking across the planning
// pipeline and keep row-scoped failures distinct from batch-fatal ones.
package errors

import (
	"errors"
	"fmt"
)

// New returns an error that formats as the given text.
// It's an alias for the standard library errors.New for convenience.
var New = errors.New

// Is is an alias for the standard library errors.Is.
var Is = errors.Is

// As is an alias for the standard library errors.As.
var As = errors.As

// Common sentinel errors for the rostersync system
var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates that a record could not be reconciled unambiguously
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates that provided input was invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable indicates that a storage port failed; this is
	// batch-fatal rather than row-scoped
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCanceled indicates that an operation was canceled
	ErrCanceled = errors.New("operation canceled")

	// ErrExpired indicates that a pending link crossed its TTL or attempt budget
	ErrExpired = errors.New("expired")
)

// Stage identifies the pipeline stage that produced a diagnostic.
type Stage string

// Pipeline stages for diagnostics.
const (
	StageMatch   Stage = "match"
	StageLink    Stage = "link"
	StageResolve Stage = "resolve"
)

// Code classifies a row-scoped diagnostic.
type Code string

// Row-scoped diagnostic codes emitted by the planning pipeline.
const (
	CodeMatchIdentityMissing Code = "MATCH_IDENTITY_MISSING"
	CodeMatchConflictTarget  Code = "MATCH_CONFLICT_TARGET"
	CodeMatchConflictSource  Code = "MATCH_CONFLICT_SOURCE"
	CodeMatchDuplicate       Code = "MATCH_DUPLICATE_SOURCE"
	CodeLinkNotFound         Code = "LINK_NOT_FOUND"
	CodeLinkConflict         Code = "LINK_CONFLICT"
	CodeLinkExpired          Code = "LINK_EXPIRED"
	CodeLinkUnresolved       Code = "LINK_CONFLICT_UNRESOLVED"
	CodeResolveConflict      Code = "RESOLVE_CONFLICT"
	CodeResolveMissing       Code = "RESOLVE_MISSING_EXISTING"
	CodeResolveInvalidState  Code = "RESOLVE_INVALID_STATE"
)

// RowError represents a row-scoped diagnostic raised by a pipeline stage.
// It excludes a single row from the plan without aborting the batch.
type RowError struct {
	Stage   Stage
	Code    Code
	Field   string
	Message string
}

// Error implements the error interface
func (e *RowError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %s): %s", e.Stage, e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Code, e.Message)
}

// Is implements errors.Is support
func (e *RowError) Is(target error) bool {
	switch e.Code {
	case CodeMatchConflictTarget, CodeMatchConflictSource, CodeLinkConflict, CodeLinkUnresolved, CodeResolveConflict:
		return target == ErrConflict
	case CodeLinkExpired:
		return target == ErrExpired
	case CodeLinkNotFound:
		return target == ErrNotFound
	}
	return false
}

// NewRowError creates a new RowError
func NewRowError(stage Stage, code Code, field, message string) *RowError {
	return &RowError{Stage: stage, Code: code, Field: field, Message: message}
}

// StoreError represents a storage-port failure. Lookup, identity-index and
// pending-store failures are batch-fatal: pending/expiry reasoning requires
// a trustworthy store.
type StoreError struct {
	Port      string // "lookup", "identity", "pending"
	Operation string
	Err       error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	return fmt.Sprintf("store error on %s port during %s: %v", e.Port, e.Operation, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// WrapStore wraps an error as a StoreError. Returns nil if err is nil.
func WrapStore(port, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Port: port, Operation: operation, Err: err}
}

// ValidationError represents a dataset-declared structural post-condition
// failure on a desired state.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Is implements errors.Is support
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError creates a new ValidationError
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// ConfigError represents a configuration error
type ConfigError struct {
	Component string
	Message   string
	Err       error
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("configuration error in %s: %s", e.Component, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// Unwrap implements errors.Unwrap
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError
func NewConfigError(component, message string, err error) *ConfigError {
	return &ConfigError{Component: component, Message: message, Err: err}
}

// IOError represents an error during I/O operations such as writing the
// plan artifact.
type IOError struct {
	Operation string // "read", "write", "create", "delete"
	Path      string
	Err       error
}

// Error implements the error interface
func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("IO error during %s of %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("IO error during %s: %v", e.Operation, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *IOError) Unwrap() error {
	return e.Err
}

// WrapIO wraps an error as an IOError. Returns nil if err is nil.
func WrapIO(operation, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Operation: operation, Path: path, Err: err}
}

// Helper functions for error checking

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if an error is a conflict error
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsExpired checks if an error is a pending-link expiry error
func IsExpired(err error) bool {
	return errors.Is(err, ErrExpired)
}

// IsStoreUnavailable checks if an error is a batch-fatal store failure
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsCanceled checks if an error is a cancellation error
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
