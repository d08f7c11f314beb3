// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrDefinitionNotFound indicates no definition matched the given name or id.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrNoActiveDefinition indicates the name exists but no version is active.
	ErrNoActiveDefinition = errors.New("no active definition version")

	// ErrDefinitionExists indicates the (name, version) pair is already stored.
	ErrDefinitionExists = errors.New("definition version already exists")

	// ErrExecutionNotFound indicates an execution was not found by id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrStageLogNotFound indicates a stage log row was not found by id.
	ErrStageLogNotFound = errors.New("stage log not found")

	// ErrVersionConflict indicates a conditional write lost the optimistic version
	// check; the caller must re-read and retry or give up.
	ErrVersionConflict = errors.New("version conflict")

	// ErrLiveStageExists indicates an insert would violate the at-most-one
	// pending/in_progress row invariant for a (execution, stage) pair.
	ErrLiveStageExists = errors.New("live stage log already exists")
)

// ExecutionError wraps execution-related errors with operation context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g. "Get", "Update")
	ExecutionID string
	StageID     string // Stage id if applicable
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.StageID != "" {
		return fmt.Sprintf("%s failed for stage %s of execution %s: %v", e.Op, e.StageID, e.ExecutionID, e.Err)
	}

	return fmt.Sprintf("%s failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates an execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// NewStageError creates an execution error scoped to a stage.
func NewStageError(op, executionID, stageID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, StageID: stageID, Err: err}
}

// IsVersionConflict checks if an error indicates a lost optimistic version check.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsLiveStageExists checks if an error indicates the single-live-row invariant blocked
// an insert.
func IsLiveStageExists(err error) bool {
	return errors.Is(err, ErrLiveStageExists)
}

// IsNotFound checks if an error indicates any missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound) ||
		errors.Is(err, ErrNoActiveDefinition) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrStageLogNotFound)
}
