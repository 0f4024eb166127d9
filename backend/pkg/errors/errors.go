package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation represents empty or malformed input
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents a referenced key that does not exist
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeDuplicate represents an at-most-one-edge violation
	ErrorTypeDuplicate ErrorType = "duplicate_relationship"
	// ErrorTypeUnsupportedPair represents a node-kind pair with no edge type
	ErrorTypeUnsupportedPair ErrorType = "unsupported_pair"
	// ErrorTypeExternal represents graph store or embedding provider failures
	ErrorTypeExternal ErrorType = "external_service"
	// ErrorTypePartial represents a batch where some items failed
	ErrorTypePartial ErrorType = "partial_failure"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeContext represents context cancellation/timeout errors
	ErrorTypeContext ErrorType = "context"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// Kind reports the error category. Typed errors embedding *BaseError
// inherit it, which is what IsErrorType keys on.
func (e *BaseError) Kind() ErrorType {
	return e.Type
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Validation Errors

// ErrValidation is returned for empty or malformed input. Never retried.
type ErrValidation struct {
	*BaseError
	Field  string
	Reason string
}

func NewValidation(field, reason string) *ErrValidation {
	return &ErrValidation{
		BaseError: NewBaseError(ErrorTypeValidation, fmt.Sprintf("invalid %s: %s", field, reason), nil),
		Field:     field,
		Reason:    reason,
	}
}

// NewValidationFrom wraps a struct validation error
func NewValidationFrom(field string, err error) *ErrValidation {
	return &ErrValidation{
		BaseError: NewBaseError(ErrorTypeValidation, fmt.Sprintf("invalid %s", field), err),
		Field:     field,
		Reason:    err.Error(),
	}
}

// Lookup Errors

// ErrNotFound is returned when a referenced node or edge key is absent
type ErrNotFound struct {
	*BaseError
	Resource string
	Key      string
}

func NewNotFound(resource, key string) *ErrNotFound {
	return &ErrNotFound{
		BaseError: NewBaseError(ErrorTypeNotFound, fmt.Sprintf("%s not found: %s", resource, key), nil),
		Resource:  resource,
		Key:       key,
	}
}

// Relationship Errors

// ErrDuplicateRelationship is returned when an edge of the same type already
// connects the same ordered pair.
type ErrDuplicateRelationship struct {
	*BaseError
	EdgeType string
	FromKey  string
	ToKey    string
}

func NewDuplicateRelationship(edgeType, fromKey, toKey string) *ErrDuplicateRelationship {
	return &ErrDuplicateRelationship{
		BaseError: NewBaseError(ErrorTypeDuplicate,
			fmt.Sprintf("%s relationship already exists from %s to %s; use the update path instead", edgeType, fromKey, toKey), nil),
		EdgeType: edgeType,
		FromKey:  fromKey,
		ToKey:    toKey,
	}
}

// ErrUnsupportedPair is returned when no edge type maps the endpoint kinds
type ErrUnsupportedPair struct {
	*BaseError
	FromKind string
	ToKind   string
}

func NewUnsupportedPair(fromKind, toKind string) *ErrUnsupportedPair {
	return &ErrUnsupportedPair{
		BaseError: NewBaseError(ErrorTypeUnsupportedPair, fmt.Sprintf("unsupported relationship: %s -> %s", fromKind, toKind), nil),
		FromKind:  fromKind,
		ToKind:    toKind,
	}
}

// External Service Errors

// ErrExternalService is returned when the graph store or embedding provider fails
type ErrExternalService struct {
	*BaseError
	Service   string
	Operation string
}

func NewExternalService(service, operation string, err error) *ErrExternalService {
	return &ErrExternalService{
		BaseError: NewBaseError(ErrorTypeExternal, fmt.Sprintf("%s %s failed", service, operation), err),
		Service:   service,
		Operation: operation,
	}
}

// ErrPartialFailure records items of a batch that failed while siblings succeeded
type ErrPartialFailure struct {
	*BaseError
	Failed    map[string]error
	Succeeded int
}

func NewPartialFailure(operation string, succeeded int, failed map[string]error) *ErrPartialFailure {
	return &ErrPartialFailure{
		BaseError: NewBaseError(ErrorTypePartial, fmt.Sprintf("%s: %d failed, %d succeeded", operation, len(failed), succeeded), nil),
		Failed:    failed,
		Succeeded: succeeded,
	}
}

// Context Errors

// ErrContextTimeout is returned when an external call exceeds its deadline
type ErrContextTimeout struct {
	*BaseError
	Operation string
	Timeout   time.Duration
}

func NewContextTimeout(operation string, timeout time.Duration, err error) *ErrContextTimeout {
	return &ErrContextTimeout{
		BaseError: NewBaseError(ErrorTypeContext, fmt.Sprintf("context timeout: %s (timeout: %v)", operation, timeout), err),
		Operation: operation,
		Timeout:   timeout,
	}
}

// Config Errors

// ErrConfigValidationFailed is returned when configuration validation fails
type ErrConfigValidationFailed struct {
	*BaseError
	Field  string
	Reason string
}

func NewConfigValidationFailed(field, reason string) *ErrConfigValidationFailed {
	return &ErrConfigValidationFailed{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("config validation failed: %s - %s", field, reason), nil),
		Field:     field,
		Reason:    reason,
	}
}

// ErrConfigMissingRequired is returned when a required config value is missing
type ErrConfigMissingRequired struct {
	*BaseError
	Field string
}

func NewConfigMissingRequired(field string) *ErrConfigMissingRequired {
	return &ErrConfigMissingRequired{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("missing required config: %s", field), nil),
		Field:     field,
	}
}

// Helper functions

type kinded interface {
	Kind() ErrorType
}

// IsErrorType checks if an error, or any error it wraps, is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	for err != nil {
		if k, ok := err.(kinded); ok && k.Kind() == errType {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsRetryable checks if an error is retryable. Only external service
// failures qualify; timeouts are failures for the item, not retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsErrorType(err, ErrorTypeContext) {
		return false
	}
	return IsErrorType(err, ErrorTypeExternal)
}

// IsFatal reports programmer or configuration errors that must stop a run
func IsFatal(err error) bool {
	return IsErrorType(err, ErrorTypeConfig)
}
