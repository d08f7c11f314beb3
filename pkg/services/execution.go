package services

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/orcha-dev/orcha/pkg/audit"
	"github.com/orcha-dev/orcha/pkg/engine"
	"github.com/orcha-dev/orcha/pkg/eventbus"
	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/persistence"
)

// Execution controls the lifecycle of workflow executions. Starting is a direct engine
// call (seeding rows and enqueueing tasks touches no agent); cancellation is published
// to the bus so the rollback sweep runs where the agents live: on a worker.
type Execution struct {
	persistence persistence.Persistence
	engine      *engine.Engine
	publisher   eventbus.EventPublisher
	feed        *audit.Feed
	validator   *validator.Validate
}

func NewExecution(persist persistence.Persistence, eng *engine.Engine, publisher eventbus.EventPublisher, feed *audit.Feed) *Execution {
	return &Execution{
		persistence: persist,
		engine:      eng,
		publisher:   publisher,
		feed:        feed,
		validator:   validator.New(),
	}
}

// StartRequest asks for a new execution of the active version of a definition.
type StartRequest struct {
	DefinitionName string         `json:"definition_name" validate:"required,min=3"`
	Context        map[string]any `json:"context"`
}

// Start creates and kicks off an execution, returning its id.
func (s *Execution) Start(ctx context.Context, req StartRequest) (string, error) {
	if err := s.validator.Struct(req); err != nil {
		return "", NewValidationError("Start", "INVALID_FIELDS", err.Error(), ErrInvalidRequest)
	}

	return s.engine.Start(ctx, req.DefinitionName, req.Context)
}

// History returns the full audit join for an execution.
func (s *Execution) History(ctx context.Context, executionID string) (*audit.History, error) {
	return s.feed.History(ctx, executionID)
}

// Cancel requests cancellation of a live execution. The request is durable on the bus;
// a worker performs the forced failure and compensation sweep.
func (s *Execution) Cancel(ctx context.Context, executionID, reason string) error {
	execution, err := s.persistence.Executions().Get(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status.Terminal() {
		return fmt.Errorf("execution %s is %s: %w", executionID, execution.Status, ErrExecutionTerminal)
	}

	request := events.CancelRequested{
		BaseEvent: events.NewBaseEvent(events.CancelRequestedEvent, executionID),
		Reason:    reason,
	}

	if err := s.publisher.Publish(ctx, executionID, request); err != nil {
		return fmt.Errorf("failed to publish cancel request: %w", err)
	}

	return nil
}
