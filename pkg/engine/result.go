package engine

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/orcha-dev/orcha/pkg/agent"
	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
	"github.com/orcha-dev/orcha/pkg/router"
)

// StageResult is the outcome of one agent invocation, reported by the dispatcher.
type StageResult struct {
	ExecutionID string
	StageID     string
	LogID       string
	Attempt     int
	Capability  string
	Output      map[string]any
	Err         error
}

// HandleStageResult records a stage outcome and advances the execution. Stale results
// (the log row already moved past in_progress, or the attempt does not match) are
// dropped: duplicate deliveries and slow agents race here, and the row version decides.
func (e *Engine) HandleStageResult(ctx context.Context, result StageResult) error {
	execution, err := e.persistence.Executions().Get(ctx, result.ExecutionID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil
		}

		return err
	}

	// A forced failure or a racing completion beats a late result.
	if execution.Status.Terminal() {
		e.logger.DebugContext(ctx, "Dropping result for terminal execution",
			"execution_id", result.ExecutionID,
			"stage_id", result.StageID,
			"status", execution.Status,
		)

		return nil
	}

	log, err := e.persistence.StageLogs().Get(ctx, result.LogID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil
		}

		return err
	}

	if log.Status != models.StageStatusInProgress || log.Attempt != result.Attempt {
		e.logger.DebugContext(ctx, "Dropping stale stage result",
			"execution_id", result.ExecutionID,
			"stage_id", result.StageID,
			"attempt", result.Attempt,
			"log_status", log.Status,
		)

		return nil
	}

	if result.Err == nil {
		return e.handleSuccess(ctx, result, log)
	}

	return e.handleFailure(ctx, result, log)
}

func (e *Engine) handleSuccess(ctx context.Context, result StageResult, log *models.StageExecutionLog) error {
	now := e.now().UTC()
	log.Status = models.StageStatusSucceeded
	log.CompletedAt = &now
	log.Output = result.Output

	err := e.persistence.StageLogs().Update(ctx, log)
	if persistence.IsVersionConflict(err) {
		return nil
	}

	if err != nil {
		return persistence.NewStageError("complete", result.ExecutionID, result.StageID, err)
	}

	if err := e.mergeContext(ctx, result.ExecutionID, result.Output); err != nil {
		return err
	}

	e.appendEvent(ctx, result.ExecutionID, events.StageSucceeded, result.StageID, map[string]any{
		"attempt": result.Attempt,
	})

	e.logger.InfoContext(ctx, "Stage succeeded",
		"execution_id", result.ExecutionID,
		"stage_id", result.StageID,
		"attempt", result.Attempt,
	)

	return e.Tick(ctx, result.ExecutionID)
}

func (e *Engine) handleFailure(ctx context.Context, result StageResult, log *models.StageExecutionLog) error {
	execution, err := e.persistence.Executions().Get(ctx, result.ExecutionID)
	if err != nil {
		return err
	}

	stage, err := e.stageOf(ctx, execution, result.StageID)
	if err != nil {
		return err
	}

	circuitOpen := router.IsCircuitOpen(result.Err)
	if circuitOpen {
		e.recordBreakerTrip(ctx, result.ExecutionID, result.Capability)
	}

	// Circuit refusals are transient by definition; everything else follows the
	// agent's classification, defaulting to transient when unclassified.
	transient := circuitOpen || !agent.IsFatal(result.Err)
	retryable := transient && result.Attempt < e.maxAttempts(stage)

	now := e.now().UTC()
	log.Status = models.StageStatusFailed
	log.CompletedAt = &now
	log.ErrorMessage = result.Err.Error()
	// Persisted so a tick can finish the fatal path if this process dies before
	// failExecution below runs.
	log.Fatal = !transient

	err = e.persistence.StageLogs().Update(ctx, log)
	if persistence.IsVersionConflict(err) {
		return nil
	}

	if err != nil {
		return persistence.NewStageError("fail", result.ExecutionID, result.StageID, err)
	}

	if retryable {
		return e.scheduleRetry(ctx, execution, stage, result, now)
	}

	e.appendEvent(ctx, result.ExecutionID, events.StageFailed, result.StageID, map[string]any{
		"attempt": result.Attempt,
		"error":   result.Err.Error(),
		"fatal":   !transient,
	})

	e.logger.WarnContext(ctx, "Stage failed permanently",
		"execution_id", result.ExecutionID,
		"stage_id", result.StageID,
		"attempt", result.Attempt,
		"error", result.Err,
	)

	return e.failExecution(ctx, result.ExecutionID, result.StageID, result.Err.Error())
}

func (e *Engine) scheduleRetry(ctx context.Context, execution *models.WorkflowExecution, stage models.Stage, result StageResult, failedAt time.Time) error {
	delay := e.backoff(result.Attempt)
	notBefore := failedAt.Add(delay)

	retry := &models.StageExecutionLog{
		ID:          uuid.New().String(),
		ExecutionID: result.ExecutionID,
		StageID:     result.StageID,
		Attempt:     result.Attempt + 1,
		Status:      models.StageStatusPending,
		NotBefore:   notBefore,
		Input:       execution.Context,
	}

	err := e.persistence.StageLogs().Insert(ctx, retry)
	if err != nil && !persistence.IsLiveStageExists(err) {
		return persistence.NewStageError("retry", result.ExecutionID, result.StageID, err)
	}

	e.appendEvent(ctx, result.ExecutionID, events.StageRetrying, result.StageID, map[string]any{
		"attempt":    result.Attempt,
		"next_try":   notBefore,
		"backoff_ms": delay.Milliseconds(),
		"error":      result.Err.Error(),
	})

	e.logger.InfoContext(ctx, "Stage retry scheduled",
		"execution_id", result.ExecutionID,
		"stage_id", result.StageID,
		"next_attempt", result.Attempt+1,
		"delay", delay,
	)

	return nil
}

// backoff returns base*2^(attempt-1) capped at the configured ceiling.
func (e *Engine) backoff(attempt int) time.Duration {
	delay := e.config.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.config.RetryMaxDelay {
			return e.config.RetryMaxDelay
		}
	}

	if delay > e.config.RetryMaxDelay {
		return e.config.RetryMaxDelay
	}

	return delay
}

// mergeContext folds a stage output into the execution context. Shallow merge, last
// writer wins per key; conflicts between ticks are resolved by the version check.
func (e *Engine) mergeContext(ctx context.Context, executionID string, output map[string]any) error {
	if len(output) == 0 {
		return nil
	}

	for range e.config.CASAttempts {
		execution, err := e.persistence.Executions().Get(ctx, executionID)
		if err != nil {
			return err
		}

		if execution.Context == nil {
			execution.Context = make(map[string]any, len(output))
		}

		for key, value := range output {
			execution.Context[key] = value
		}

		execution.UpdatedAt = e.now().UTC()

		err = e.persistence.Executions().Update(ctx, execution)
		if err == nil {
			return nil
		}

		if !persistence.IsVersionConflict(err) {
			return err
		}
	}

	return persistence.NewExecutionError("merge", executionID, persistence.ErrVersionConflict)
}

// recordBreakerTrip remembers which capabilities refused dispatches for this
// execution. Best effort, deduplicated.
func (e *Engine) recordBreakerTrip(ctx context.Context, executionID, capability string) {
	for range e.config.CASAttempts {
		execution, err := e.persistence.Executions().Get(ctx, executionID)
		if err != nil {
			return
		}

		if slices.Contains(execution.BreakerTrips, capability) {
			return
		}

		execution.BreakerTrips = append(execution.BreakerTrips, capability)
		execution.UpdatedAt = e.now().UTC()

		err = e.persistence.Executions().Update(ctx, execution)
		if err == nil || !persistence.IsVersionConflict(err) {
			return
		}
	}
}

func (e *Engine) stageOf(ctx context.Context, execution *models.WorkflowExecution, stageID string) (models.Stage, error) {
	definition, err := e.persistence.Definitions().ByID(ctx, execution.DefinitionID)
	if err != nil {
		return models.Stage{}, err
	}

	stage, ok := definition.Stage(stageID)
	if !ok {
		return models.Stage{}, persistence.NewStageError("lookup", execution.ID, stageID, persistence.ErrStageLogNotFound)
	}

	return stage, nil
}
