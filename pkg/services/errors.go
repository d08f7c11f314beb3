// Package services provides the application layer between the HTTP surface and the
// engine: definition registration, execution control, and their validation rules.
package services

import (
	"errors"
	"fmt"

	"github.com/orcha-dev/orcha/pkg/persistence"
)

// Business logic errors, mapped to 4xx responses by the web layer.
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidDefinition  = errors.New("invalid workflow definition")
	ErrDefinitionNil      = errors.New("definition cannot be nil")
	ErrExecutionTerminal  = errors.New("execution already terminal")
	ErrDefinitionNotFound = persistence.ErrDefinitionNotFound
	ErrExecutionNotFound  = persistence.ErrExecutionNotFound
)

// ServiceError wraps service-level errors with operation context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewValidationError creates a validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsValidationError checks if an error should map to HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidDefinition) ||
		errors.Is(err, ErrDefinitionNil)
}

// IsConflictError checks if an error should map to HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrExecutionTerminal) ||
		errors.Is(err, persistence.ErrDefinitionExists)
}

// IsNotFoundError checks if an error should map to HTTP 404.
func IsNotFoundError(err error) bool {
	return persistence.IsNotFound(err)
}
