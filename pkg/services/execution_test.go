package services_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcha-dev/orcha/pkg/audit"
	"github.com/orcha-dev/orcha/pkg/breaker"
	"github.com/orcha-dev/orcha/pkg/compensation"
	"github.com/orcha-dev/orcha/pkg/engine"
	"github.com/orcha-dev/orcha/pkg/eventbus"
	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
	"github.com/orcha-dev/orcha/pkg/persistence/file"
	"github.com/orcha-dev/orcha/pkg/registry"
	"github.com/orcha-dev/orcha/pkg/router"
	"github.com/orcha-dev/orcha/pkg/services"
)

// capturePublisher records bus traffic instead of delivering it.
type capturePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
	tasks  []events.StageTask
}

func (c *capturePublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)

	return nil
}

func (c *capturePublisher) PublishTask(_ context.Context, _ string, task events.StageTask) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, task)

	return nil
}

func (c *capturePublisher) Enqueue(ctx context.Context, task events.StageTask) error {
	return c.PublishTask(ctx, task.ExecutionID, task)
}

type executionFixture struct {
	service     *services.Execution
	definitions *services.Definition
	publisher   *capturePublisher
	persistence persistence.Persistence
	ctx         context.Context
}

func newExecutionFixture(t *testing.T) *executionFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	persist := file.NewPersistence(t.TempDir())
	reg := registry.NewRegistry(logger)
	brk := breaker.New(breaker.NewMemoryStore(), breaker.DefaultConfig(), logger)
	rtr := router.New(reg, brk, logger)
	comp := compensation.NewManager(persist, rtr, logger)
	publisher := &capturePublisher{}
	eng := engine.New(persist, publisher, publisher, comp, engine.DefaultConfig(), logger)
	feed := audit.NewFeed(persist)

	return &executionFixture{
		service:     services.NewExecution(persist, eng, publisher, feed),
		definitions: services.NewDefinition(persist),
		publisher:   publisher,
		persistence: persist,
		ctx:         context.Background(),
	}
}

func TestExecution_StartDispatchesRoots(t *testing.T) {
	f := newExecutionFixture(t)

	_, err := f.definitions.Register(f.ctx, validDefinition())
	require.NoError(t, err)

	executionID, err := f.service.Start(f.ctx, services.StartRequest{
		DefinitionName: "order-flow",
		Context:        map[string]any{"order_id": "o-1"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, executionID)

	history, err := f.service.History(f.ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusInProgress, history.Execution.Status)
	assert.Equal(t, []string{"reserve"}, history.CurrentStageIDs())

	// The root stage went onto the task queue, not into an in-process agent.
	require.Len(t, f.publisher.tasks, 1)
	assert.Equal(t, "reserve", f.publisher.tasks[0].StageID)
}

func TestExecution_StartValidation(t *testing.T) {
	f := newExecutionFixture(t)

	_, err := f.service.Start(f.ctx, services.StartRequest{DefinitionName: ""})
	require.ErrorIs(t, err, services.ErrInvalidRequest)

	_, err = f.service.Start(f.ctx, services.StartRequest{DefinitionName: "unknown-flow"})
	require.ErrorIs(t, err, persistence.ErrDefinitionNotFound)
}

func TestExecution_CancelPublishesRequest(t *testing.T) {
	f := newExecutionFixture(t)

	_, err := f.definitions.Register(f.ctx, validDefinition())
	require.NoError(t, err)

	executionID, err := f.service.Start(f.ctx, services.StartRequest{DefinitionName: "order-flow"})
	require.NoError(t, err)

	require.NoError(t, f.service.Cancel(f.ctx, executionID, "operator abort"))

	var cancel *events.CancelRequested

	for _, event := range f.publisher.events {
		if request, ok := event.(events.CancelRequested); ok {
			cancel = &request
		}
	}

	require.NotNil(t, cancel)
	assert.Equal(t, executionID, cancel.ExecutionID)
	assert.Equal(t, "operator abort", cancel.Reason)
}

func TestExecution_CancelTerminalRejected(t *testing.T) {
	f := newExecutionFixture(t)

	execution := &models.WorkflowExecution{
		ID:           "exec-done",
		DefinitionID: "def-1",
		Status:       models.ExecutionStatusCompleted,
	}
	require.NoError(t, f.persistence.Executions().Create(f.ctx, execution))

	err := f.service.Cancel(f.ctx, "exec-done", "too late")
	require.ErrorIs(t, err, services.ErrExecutionTerminal)
	assert.True(t, services.IsConflictError(err))
}
