package engine

import (
	"context"

	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
)

// Tick re-derives the set of ready stages purely from persisted state and dispatches
// them. It is reentrant: every transition it makes is a conditional write, so two
// ticks racing over the same execution cannot double-dispatch, the CAS loser simply
// skips the row. Crash recovery is the same code path: a fresh tick over the stored
// rows reconstructs exactly the work that was in flight.
func (e *Engine) Tick(ctx context.Context, executionID string) error {
	execution, err := e.persistence.Executions().Get(ctx, executionID)
	if err != nil {
		return err
	}

	// A failed execution with succeeded stages is a rollback sweep that never
	// finished: the process died somewhere between the failed transition and the
	// rolled_back one. Re-running the sweep is idempotent; stages compensated before
	// the crash carry a CompensatedAt marker and are skipped.
	if execution.Status == models.ExecutionStatusFailed {
		return e.rollBack(ctx, executionID)
	}

	if execution.Status.Terminal() {
		return nil
	}

	if execution.Status == models.ExecutionStatusPending {
		if err := e.transitionExecution(ctx, executionID, models.ExecutionStatusInProgress, ""); err != nil {
			return err
		}
	}

	definition, err := e.persistence.Definitions().ByID(ctx, execution.DefinitionID)
	if err != nil {
		return err
	}

	logs, err := e.persistence.StageLogs().ByExecution(ctx, executionID)
	if err != nil {
		return err
	}

	state := summarize(logs)

	order, err := definition.TopologicalOrder()
	if err != nil {
		return err
	}

	for _, stageID := range order {
		if state.succeeded[stageID] {
			continue
		}

		if !predecessorsSucceeded(definition, state, stageID) {
			continue
		}

		stage, _ := definition.Stage(stageID)

		// A failed attempt that is fatal or exhausted, with no live successor row,
		// means the failure handler recorded the outcome but died before failing
		// the execution. Finish that transition here.
		if last := state.lastFailed[stageID]; last != nil && state.live[stageID] == nil &&
			(last.Fatal || last.Attempt >= e.maxAttempts(stage)) {
			return e.failExecution(ctx, executionID, stageID, last.ErrorMessage)
		}

		if err := e.scheduleStage(ctx, execution, stage, state); err != nil {
			return err
		}
	}

	return e.detectCompletion(ctx, definition, executionID, state)
}

// scheduleStage advances one ready stage: materializes its pending row if missing
// (including the retry row a crashed failure handler never wrote), then claims any due
// pending row and hands it to the dispatch queue.
func (e *Engine) scheduleStage(ctx context.Context, execution *models.WorkflowExecution, stage models.Stage, state *executionState) error {
	live := state.live[stage.ID]

	if live == nil {
		attempt := 1
		notBefore := e.now().UTC()

		if last := state.lastFailed[stage.ID]; last != nil {
			// Fatal and exhausted failures never reach here; Tick fails the
			// execution before scheduling. This is the retry row a crashed failure
			// handler never wrote.
			attempt = last.Attempt + 1

			failedAt := notBefore
			if last.CompletedAt != nil {
				failedAt = *last.CompletedAt
			}

			notBefore = failedAt.Add(e.backoff(last.Attempt))
		}

		if err := e.seedStage(ctx, execution, stage.ID, attempt, notBefore); err != nil {
			return err
		}

		// Re-read so the dispatch step below sees the fresh row.
		logs, err := e.persistence.StageLogs().ByExecution(ctx, execution.ID)
		if err != nil {
			return err
		}

		*state = *summarize(logs)
		live = state.live[stage.ID]
	}

	if live == nil {
		return nil
	}

	now := e.now().UTC()

	switch live.Status {
	case models.StageStatusPending:
		if live.NotBefore.After(now) {
			return nil
		}

		live.Status = models.StageStatusInProgress
		live.StartedAt = now

		err := e.persistence.StageLogs().Update(ctx, live)
		if persistence.IsVersionConflict(err) {
			return nil // Another tick claimed the row
		}

		if err != nil {
			return persistence.NewStageError("dispatch", execution.ID, stage.ID, err)
		}

		e.appendEvent(ctx, execution.ID, events.StageStarted, stage.ID, map[string]any{
			"attempt": live.Attempt,
		})

		return e.enqueue(ctx, execution.ID, stage, live)

	case models.StageStatusInProgress:
		// A row stuck in_progress past the redispatch window lost its task (enqueue
		// crashed, or the consumer died). Duplicate delivery is safe: the claim step
		// validates attempt and status before invoking.
		if e.config.RedispatchAfter > 0 && now.Sub(live.StartedAt) >= e.config.RedispatchAfter {
			return e.enqueue(ctx, execution.ID, stage, live)
		}
	}

	return nil
}

func (e *Engine) enqueue(ctx context.Context, executionID string, stage models.Stage, log *models.StageExecutionLog) error {
	task := events.StageTask{
		BaseEvent:  events.NewBaseEvent(events.StageTaskEvent, executionID),
		StageID:    stage.ID,
		LogID:      log.ID,
		Attempt:    log.Attempt,
		Capability: stage.Capability,
	}

	if err := e.enqueuer.Enqueue(ctx, task); err != nil {
		return persistence.NewStageError("enqueue", executionID, stage.ID, err)
	}

	e.logger.InfoContext(ctx, "Stage dispatched",
		"execution_id", executionID,
		"stage_id", stage.ID,
		"attempt", log.Attempt,
		"capability", stage.Capability,
	)

	return nil
}

// detectCompletion finishes the execution once every stage has succeeded.
func (e *Engine) detectCompletion(ctx context.Context, definition *models.WorkflowDefinition, executionID string, state *executionState) error {
	for _, stage := range definition.Stages {
		if !state.succeeded[stage.ID] {
			return nil
		}
	}

	execution, err := e.persistence.Executions().Get(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status.Terminal() {
		return nil
	}

	if err := e.transitionExecution(ctx, executionID, models.ExecutionStatusCompleted, ""); err != nil {
		return err
	}

	e.appendEvent(ctx, executionID, events.WorkflowCompleted, "", nil)

	e.logger.InfoContext(ctx, "Execution completed", "execution_id", executionID)

	return nil
}

func (e *Engine) maxAttempts(stage models.Stage) int {
	if stage.MaxAttempts > 0 {
		return stage.MaxAttempts
	}

	return e.config.MaxAttempts
}

// executionState is a per-tick view over the stage log rows.
type executionState struct {
	succeeded  map[string]bool
	live       map[string]*models.StageExecutionLog // Pending or in_progress row per stage
	lastFailed map[string]*models.StageExecutionLog // Highest failed attempt per stage
}

func summarize(logs []*models.StageExecutionLog) *executionState {
	state := &executionState{
		succeeded:  make(map[string]bool),
		live:       make(map[string]*models.StageExecutionLog),
		lastFailed: make(map[string]*models.StageExecutionLog),
	}

	for _, log := range logs {
		switch {
		case log.Status == models.StageStatusSucceeded:
			state.succeeded[log.StageID] = true
		case log.Status.Live():
			state.live[log.StageID] = log
		case log.Status == models.StageStatusFailed:
			if prev := state.lastFailed[log.StageID]; prev == nil || log.Attempt > prev.Attempt {
				state.lastFailed[log.StageID] = log
			}
		}
	}

	return state
}

func predecessorsSucceeded(definition *models.WorkflowDefinition, state *executionState, stageID string) bool {
	for _, pred := range definition.Predecessors(stageID) {
		if !state.succeeded[pred] {
			return false
		}
	}

	return true
}
