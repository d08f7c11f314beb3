// Package dispatch moves stage work through the durable task queue: the engine
// enqueues, workers claim and invoke, outcomes flow back to the engine. A message is
// acked only after the engine durably recorded the outcome, so a crash between invoke
// and ack results in redelivery, and the claim check makes redelivery harmless.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/orcha-dev/orcha/pkg/agent"
	"github.com/orcha-dev/orcha/pkg/engine"
	"github.com/orcha-dev/orcha/pkg/eventbus"
	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
	"github.com/orcha-dev/orcha/pkg/router"
)

// ResultHandler receives the outcome of a claimed invocation. In practice this is the
// engine; the interface keeps the dependency one-directional.
type ResultHandler interface {
	HandleStageResult(ctx context.Context, result engine.StageResult) error
}

type Dispatcher struct {
	bus         eventbus.EventBus
	persistence persistence.Persistence
	router      *router.Router
	logger      *slog.Logger
}

func New(bus eventbus.EventBus, persist persistence.Persistence, rtr *router.Router, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		bus:         bus,
		persistence: persist,
		router:      rtr,
		logger:      logger.With("module", "dispatch"),
	}
}

// Enqueue publishes a stage task to the dispatch queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task events.StageTask) error {
	return d.bus.PublishTask(ctx, task.ExecutionID, task)
}

// Start consumes the task queue until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context, handler ResultHandler) error {
	return d.bus.SubscribeTasks(ctx, func(ctx context.Context, task events.StageTask) error {
		return d.consume(ctx, task, handler)
	})
}

func (d *Dispatcher) consume(ctx context.Context, task events.StageTask, handler ResultHandler) error {
	log, execution, claimed, err := d.claim(ctx, task)
	if err != nil {
		return err // Nack, the store hiccuped
	}

	if !claimed {
		d.logger.DebugContext(ctx, "Dropping stale task",
			"execution_id", task.ExecutionID,
			"stage_id", task.StageID,
			"attempt", task.Attempt,
		)

		return nil
	}

	result := engine.StageResult{
		ExecutionID: task.ExecutionID,
		StageID:     task.StageID,
		LogID:       task.LogID,
		Attempt:     task.Attempt,
		Capability:  task.Capability,
	}

	config, err := d.stageConfig(ctx, execution.DefinitionID, task.StageID)
	if err != nil {
		return err // Nack, the store hiccuped
	}

	handle, err := d.router.Resolve(ctx, task.Capability, config)

	switch {
	case router.IsCircuitOpen(err):
		result.Err = err
	case err != nil:
		// No agent offers the capability. That is a wiring problem retries cannot
		// fix, so it short-circuits the retry budget.
		result.Err = agent.Fatal(err)
	default:
		result.Output, result.Err = handle.Invoke(ctx, log.Input)
		d.router.Report(ctx, task.Capability, result.Err)
	}

	return handler.HandleStageResult(ctx, result)
}

// claim verifies the task still points at the live attempt: the log row must be
// in_progress at the task's attempt and the execution must not be terminal. Duplicate
// deliveries and tasks overtaken by a cancel lose the claim and are acked away.
func (d *Dispatcher) claim(ctx context.Context, task events.StageTask) (*models.StageExecutionLog, *models.WorkflowExecution, bool, error) {
	execution, err := d.persistence.Executions().Get(ctx, task.ExecutionID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, nil, false, nil
		}

		return nil, nil, false, err
	}

	if execution.Status.Terminal() {
		return nil, nil, false, nil
	}

	log, err := d.persistence.StageLogs().Get(ctx, task.LogID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, nil, false, nil
		}

		return nil, nil, false, err
	}

	if log.Status != models.StageStatusInProgress || log.Attempt != task.Attempt {
		return nil, nil, false, nil
	}

	return log, execution, true, nil
}

// stageConfig loads the stage's config block from the definition. A stage missing from
// the definition yields nil config; the capability resolution decides what that means.
func (d *Dispatcher) stageConfig(ctx context.Context, definitionID, stageID string) (map[string]any, error) {
	definition, err := d.persistence.Definitions().ByID(ctx, definitionID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	stage, ok := definition.Stage(stageID)
	if !ok {
		return nil, nil
	}

	return stage.Config, nil
}
