// Package engine drives workflow executions: scheduling ready stages, handling stage
// outcomes, retrying with backoff, and triggering the rollback sweep on fatal failure.
// All engine state lives in persistence; the engine itself is stateless and any worker
// may pick up any execution.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orcha-dev/orcha/pkg/compensation"
	"github.com/orcha-dev/orcha/pkg/eventbus"
	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
)

// Config carries the retry policy and write-contention limits.
type Config struct {
	RetryBaseDelay  time.Duration // First retry delay, doubled per attempt
	RetryMaxDelay   time.Duration // Backoff ceiling
	MaxAttempts     int           // Default per-stage attempt budget
	RedispatchAfter time.Duration // In-progress rows older than this are re-enqueued
	CASAttempts     int           // Retries for optimistic writes before giving up
}

func DefaultConfig() Config {
	return Config{
		RetryBaseDelay:  1 * time.Second,
		RetryMaxDelay:   30 * time.Second,
		MaxAttempts:     3,
		RedispatchAfter: 60 * time.Second,
		CASAttempts:     5,
	}
}

// Enqueuer hands a stage task to the durable dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task events.StageTask) error
}

type Engine struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	enqueuer    Enqueuer
	compensator *compensation.Manager
	config      Config
	logger      *slog.Logger

	now func() time.Time // Injectable for tests
}

func New(persist persistence.Persistence, publisher eventbus.EventPublisher, enqueuer Enqueuer, compensator *compensation.Manager, config Config, logger *slog.Logger) *Engine {
	return &Engine{
		persistence: persist,
		publisher:   publisher,
		enqueuer:    enqueuer,
		compensator: compensator,
		config:      config,
		logger:      logger.With("module", "engine"),
		now:         time.Now,
	}
}

// Start creates an execution of the active version of the named definition, seeds the
// root stages, and runs the first scheduling pass.
func (e *Engine) Start(ctx context.Context, definitionName string, input map[string]any) (string, error) {
	definition, err := e.persistence.Definitions().ActiveByName(ctx, definitionName)
	if err != nil {
		return "", err
	}

	if input == nil {
		input = make(map[string]any)
	}

	now := e.now().UTC()
	execution := &models.WorkflowExecution{
		ID:           uuid.New().String(),
		DefinitionID: definition.ID,
		Status:       models.ExecutionStatusPending,
		Context:      input,
		BreakerTrips: []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.persistence.Executions().Create(ctx, execution); err != nil {
		return "", persistence.NewExecutionError("start", execution.ID, err)
	}

	e.appendEvent(ctx, execution.ID, events.WorkflowStarted, "", map[string]any{
		"definition_id":   definition.ID,
		"definition_name": definition.Name,
	})

	for _, stage := range definition.RootStages() {
		if err := e.seedStage(ctx, execution, stage.ID, 1, now); err != nil {
			return "", err
		}
	}

	started := events.ExecutionStarted{
		BaseEvent:    events.NewBaseEvent(events.ExecutionStartedEvent, execution.ID),
		DefinitionID: definition.ID,
	}
	if err := e.publisher.Publish(ctx, execution.ID, started); err != nil {
		e.logger.WarnContext(ctx, "Failed to announce execution start",
			"execution_id", execution.ID,
			"error", err,
		)
	}

	e.logger.InfoContext(ctx, "Execution started",
		"execution_id", execution.ID,
		"definition_id", definition.ID,
	)

	return execution.ID, e.Tick(ctx, execution.ID)
}

// Cancel forces a live execution onto the failure path with a synthetic reason, then
// runs the same rollback sweep a fatal stage failure would. Cancelling a terminal
// execution is a no-op.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) error {
	execution, err := e.persistence.Executions().Get(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status.Terminal() {
		return nil
	}

	message := "cancelled: " + reason
	if err := e.transitionExecution(ctx, executionID, models.ExecutionStatusFailed, message); err != nil {
		return err
	}

	e.appendEvent(ctx, executionID, events.WorkflowCancelled, "", map[string]any{
		"reason": reason,
	})

	return e.rollBack(ctx, executionID)
}

// failExecution is the single fatal path. It moves the execution to failed, emits
// workflow_failed, and hands over to the rollback sweep.
func (e *Engine) failExecution(ctx context.Context, executionID, stageID, message string) error {
	if err := e.transitionExecution(ctx, executionID, models.ExecutionStatusFailed, message); err != nil {
		return err
	}

	e.appendEvent(ctx, executionID, events.WorkflowFailed, stageID, map[string]any{
		"error": message,
	})

	return e.rollBack(ctx, executionID)
}

// rollBack runs the compensation sweep and settles the terminal status: rolled_back
// when at least one stage had succeeded, failed otherwise.
func (e *Engine) rollBack(ctx context.Context, executionID string) error {
	execution, err := e.persistence.Executions().Get(ctx, executionID)
	if err != nil {
		return err
	}

	definition, err := e.persistence.Definitions().ByID(ctx, execution.DefinitionID)
	if err != nil {
		return err
	}

	swept, residuals, err := e.compensator.Sweep(ctx, execution, definition)
	if err != nil {
		return persistence.NewExecutionError("rollback", executionID, err)
	}

	if swept == 0 {
		return nil
	}

	if err := e.transitionExecution(ctx, executionID, models.ExecutionStatusRolledBack, execution.ErrorMessage); err != nil {
		return err
	}

	e.appendEvent(ctx, executionID, events.WorkflowRolledBack, "", map[string]any{
		"compensated_stages": swept - len(residuals),
		"residual_failures":  residuals,
	})

	e.logger.InfoContext(ctx, "Execution rolled back",
		"execution_id", executionID,
		"compensated", swept-len(residuals),
		"residuals", len(residuals),
	)

	return nil
}

// transitionExecution CAS-writes a status change, retrying from a fresh read on
// version conflicts.
func (e *Engine) transitionExecution(ctx context.Context, executionID string, status models.ExecutionStatus, errorMessage string) error {
	for attempt := range e.config.CASAttempts {
		execution, err := e.persistence.Executions().Get(ctx, executionID)
		if err != nil {
			return err
		}

		if execution.Status == status {
			return nil
		}

		execution.Status = status
		execution.ErrorMessage = errorMessage
		execution.UpdatedAt = e.now().UTC()

		err = e.persistence.Executions().Update(ctx, execution)
		if err == nil {
			return nil
		}

		if !persistence.IsVersionConflict(err) {
			return err
		}

		e.logger.DebugContext(ctx, "Execution status write conflicted, retrying",
			"execution_id", executionID,
			"status", status,
			"attempt", attempt+1,
		)
	}

	return fmt.Errorf("execution %s: status write kept conflicting: %w", executionID, persistence.ErrVersionConflict)
}

// seedStage inserts the pending log row for a stage attempt. ErrLiveStageExists means
// another tick got there first, which is the idempotency we want.
func (e *Engine) seedStage(ctx context.Context, execution *models.WorkflowExecution, stageID string, attempt int, notBefore time.Time) error {
	log := &models.StageExecutionLog{
		ID:          uuid.New().String(),
		ExecutionID: execution.ID,
		StageID:     stageID,
		Attempt:     attempt,
		Status:      models.StageStatusPending,
		NotBefore:   notBefore,
		Input:       execution.Context,
	}

	err := e.persistence.StageLogs().Insert(ctx, log)
	if err != nil && !persistence.IsLiveStageExists(err) {
		return persistence.NewStageError("seed", execution.ID, stageID, err)
	}

	return nil
}

// appendEvent writes an audit row. Audit failures are logged, never propagated: the
// engine's state transitions are the source of truth and must not be blocked by a
// degraded audit store.
func (e *Engine) appendEvent(ctx context.Context, executionID string, eventType events.EventType, stageID string, metadata map[string]any) {
	event := events.NewWorkflowEvent(executionID, eventType, stageID, metadata)
	if err := e.persistence.Events().Append(ctx, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to append audit event",
			"execution_id", executionID,
			"event_type", eventType,
			"error", err,
		)
	}
}
