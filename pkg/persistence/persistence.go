// Package persistence defines the storage contract required by the orchestrator:
// single-row reads with a version, conditional writes (compare-and-swap on that
// version), append-only inserts, and range queries by execution id. Nothing beyond
// per-row CAS is assumed of the backing store.
package persistence

import (
	"context"

	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/models"
)

type Persistence interface {
	Definitions() DefinitionRepository
	Executions() ExecutionRepository
	StageLogs() StageLogRepository
	Events() EventRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// DefinitionRepository stores immutable, versioned workflow definitions.
type DefinitionRepository interface {
	// Save inserts a new definition version. Versions are never overwritten;
	// saving an existing (name, version) pair fails with ErrDefinitionExists.
	Save(ctx context.Context, definition *models.WorkflowDefinition) error

	// Activate marks the given version active and deactivates every other version of
	// the same name, preserving the one-active-version-per-name invariant.
	Activate(ctx context.Context, name string, version int) error

	ActiveByName(ctx context.Context, name string) (*models.WorkflowDefinition, error)
	ByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	Versions(ctx context.Context, name string) ([]*models.WorkflowDefinition, error)
}

// ExecutionRepository stores workflow execution rows with optimistic locking: Update
// writes only if the stored version matches the version the caller read, bumping it on
// success. A stale write fails with ErrVersionConflict and must be retried from a
// fresh read.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.WorkflowExecution) error
	Get(ctx context.Context, id string) (*models.WorkflowExecution, error)
	Update(ctx context.Context, execution *models.WorkflowExecution) error
	ListByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.WorkflowExecution, error)
}

// StageLogRepository stores per-attempt stage rows. Insert enforces the single live
// row invariant: it fails with ErrLiveStageExists while another pending or in_progress
// row exists for the same (execution, stage). Update is version-checked like
// ExecutionRepository.Update.
type StageLogRepository interface {
	Insert(ctx context.Context, log *models.StageExecutionLog) error
	Update(ctx context.Context, log *models.StageExecutionLog) error
	Get(ctx context.Context, id string) (*models.StageExecutionLog, error)
	ByExecution(ctx context.Context, executionID string) ([]*models.StageExecutionLog, error)
}

// EventRepository is the append-only audit log. Rows are never updated or deleted.
type EventRepository interface {
	Append(ctx context.Context, event *events.WorkflowEvent) error
	ByExecution(ctx context.Context, executionID string) ([]*events.WorkflowEvent, error)
}
