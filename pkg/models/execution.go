package models

import "time"

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "pending"
	ExecutionStatusInProgress ExecutionStatus = "in_progress"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusRolledBack ExecutionStatus = "rolled_back"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusRolledBack:
		return true
	default:
		return false
	}
}

// WorkflowExecution is one running instance of a workflow definition. It is owned
// exclusively by the execution engine and mutated only through version-checked writes:
// every update carries the version the writer read, and the store rejects the write if
// the row has moved on. Concurrent tick calls therefore serialize on the row rather
// than losing updates.
type WorkflowExecution struct {
	ID           string          `json:"id"`
	DefinitionID string          `json:"definition_id"`
	Status       ExecutionStatus `json:"status"`
	Context      map[string]any  `json:"context"`       // Opaque input/output bag, merged by completed stages
	BreakerTrips []string        `json:"breaker_trips"` // Capabilities whose breaker refused a dispatch
	ErrorMessage string          `json:"error_message,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// StageStatus represents the state of a single stage attempt.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusSucceeded  StageStatus = "succeeded"
	StageStatusFailed     StageStatus = "failed"
	StageStatusSkipped    StageStatus = "skipped"
)

// Live reports whether the row occupies the single pending/in_progress slot for its
// (execution, stage) pair.
func (s StageStatus) Live() bool {
	return s == StageStatusPending || s == StageStatusInProgress
}

// StageExecutionLog is one row per (execution, stage, attempt). At most one row per
// (execution, stage) is pending or in_progress at a time; historical attempts are
// retained for the audit trail.
type StageExecutionLog struct {
	ID           string         `json:"id"`
	ExecutionID  string         `json:"execution_id"`
	StageID      string         `json:"stage_id"`
	Attempt      int            `json:"attempt"` // Starts at 1
	Status       StageStatus    `json:"status"`
	NotBefore    time.Time      `json:"not_before"` // Dispatch gate for backed-off retries
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Fatal        bool           `json:"fatal,omitempty"` // Failure was classified fatal; no retry follows
	Input        map[string]any `json:"input"`
	Output       map[string]any `json:"output,omitempty"`
	// CompensatedAt marks the rollback sweep's completion for this stage, so a sweep
	// interrupted by a crash resumes without compensating twice.
	CompensatedAt *time.Time `json:"compensated_at,omitempty"`
	Version       int64      `json:"version"`
}
