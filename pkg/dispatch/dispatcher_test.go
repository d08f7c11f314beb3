package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcha-dev/orcha/pkg/agent"
	"github.com/orcha-dev/orcha/pkg/breaker"
	"github.com/orcha-dev/orcha/pkg/channels/gochannel"
	"github.com/orcha-dev/orcha/pkg/dispatch"
	"github.com/orcha-dev/orcha/pkg/engine"
	"github.com/orcha-dev/orcha/pkg/eventbus"
	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
	"github.com/orcha-dev/orcha/pkg/persistence/file"
	"github.com/orcha-dev/orcha/pkg/registry"
	"github.com/orcha-dev/orcha/pkg/router"
)

type captureHandler struct {
	mu      sync.Mutex
	results []engine.StageResult
}

func (c *captureHandler) HandleStageResult(_ context.Context, result engine.StageResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)

	return nil
}

func (c *captureHandler) snapshot() []engine.StageResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]engine.StageResult(nil), c.results...)
}

type fixture struct {
	dispatcher  *dispatch.Dispatcher
	handler     *captureHandler
	persistence persistence.Persistence
	registry    *registry.Registry
	router      *router.Router
	ctx         context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	persist := file.NewPersistence(t.TempDir())
	reg := registry.NewRegistry(logger)
	brk := breaker.New(breaker.NewMemoryStore(), breaker.DefaultConfig(), logger)
	rtr := router.New(reg, brk, logger)

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	dispatcher := dispatch.New(bus, persist, rtr, logger)
	handler := &captureHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, dispatcher.Start(ctx, handler))

	return &fixture{
		dispatcher:  dispatcher,
		handler:     handler,
		persistence: persist,
		registry:    reg,
		router:      rtr,
		ctx:         ctx,
	}
}

// seed creates an execution with one in_progress log row ready to be claimed.
func (f *fixture) seed(t *testing.T, executionStatus models.ExecutionStatus) (*models.WorkflowExecution, *models.StageExecutionLog) {
	t.Helper()

	execution := &models.WorkflowExecution{
		ID:           "exec-1",
		DefinitionID: "def-1",
		Status:       executionStatus,
		Context:      map[string]any{"order_id": "o-1"},
	}
	require.NoError(t, f.persistence.Executions().Create(f.ctx, execution))

	log := &models.StageExecutionLog{
		ID:          "log-1",
		ExecutionID: execution.ID,
		StageID:     "charge",
		Attempt:     1,
		Status:      models.StageStatusInProgress,
		StartedAt:   time.Now().UTC(),
		Input:       map[string]any{"order_id": "o-1"},
	}
	require.NoError(t, f.persistence.StageLogs().Insert(f.ctx, log))

	return execution, log
}

func (f *fixture) task(log *models.StageExecutionLog, attempt int, capability string) events.StageTask {
	return events.StageTask{
		BaseEvent:  events.NewBaseEvent(events.StageTaskEvent, log.ExecutionID),
		StageID:    log.StageID,
		LogID:      log.ID,
		Attempt:    attempt,
		Capability: capability,
	}
}

func TestDispatcher_InvokesAndReportsOutput(t *testing.T) {
	f := newFixture(t)
	_, log := f.seed(t, models.ExecutionStatusInProgress)

	f.registry.RegisterAgent(agent.FuncFactory("payments.charge", func(_ context.Context, input map[string]any) (map[string]any, error) {
		assert.Equal(t, "o-1", input["order_id"])

		return map[string]any{"charge_id": "c-1"}, nil
	}))

	require.NoError(t, f.dispatcher.Enqueue(f.ctx, f.task(log, 1, "payments.charge")))

	require.Eventually(t, func() bool {
		return len(f.handler.snapshot()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	result := f.handler.snapshot()[0]
	assert.NoError(t, result.Err)
	assert.Equal(t, "c-1", result.Output["charge_id"])
	assert.Equal(t, "charge", result.StageID)
}

func TestDispatcher_StaleAttemptIsDropped(t *testing.T) {
	f := newFixture(t)
	_, log := f.seed(t, models.ExecutionStatusInProgress)

	invoked := false

	f.registry.RegisterAgent(agent.FuncFactory("payments.charge", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		invoked = true

		return nil, nil
	}))

	// Task carries an attempt number the row has moved past.
	require.NoError(t, f.dispatcher.Enqueue(f.ctx, f.task(log, 2, "payments.charge")))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, invoked)
	assert.Empty(t, f.handler.snapshot())
}

func TestDispatcher_TerminalExecutionIsDropped(t *testing.T) {
	f := newFixture(t)
	_, log := f.seed(t, models.ExecutionStatusFailed)

	invoked := false

	f.registry.RegisterAgent(agent.FuncFactory("payments.charge", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		invoked = true

		return nil, nil
	}))

	require.NoError(t, f.dispatcher.Enqueue(f.ctx, f.task(log, 1, "payments.charge")))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, invoked)
	assert.Empty(t, f.handler.snapshot())
}

func TestDispatcher_UnknownCapabilityIsFatal(t *testing.T) {
	f := newFixture(t)
	_, log := f.seed(t, models.ExecutionStatusInProgress)

	require.NoError(t, f.dispatcher.Enqueue(f.ctx, f.task(log, 1, "nobody.home")))

	require.Eventually(t, func() bool {
		return len(f.handler.snapshot()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	result := f.handler.snapshot()[0]
	require.Error(t, result.Err)
	assert.True(t, agent.IsFatal(result.Err))
}

func TestDispatcher_CircuitOpenReportedWithoutInvoke(t *testing.T) {
	f := newFixture(t)
	_, log := f.seed(t, models.ExecutionStatusInProgress)

	invoked := false

	f.registry.RegisterAgent(agent.FuncFactory("payments.charge", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		invoked = true

		return nil, errors.New("should not run")
	}))

	// Trip the breaker before the task is consumed.
	for range breaker.DefaultConfig().FailureThreshold {
		f.router.Report(f.ctx, "payments.charge", errors.New("downstream sad"))
	}

	require.NoError(t, f.dispatcher.Enqueue(f.ctx, f.task(log, 1, "payments.charge")))

	require.Eventually(t, func() bool {
		return len(f.handler.snapshot()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	result := f.handler.snapshot()[0]
	require.Error(t, result.Err)
	assert.True(t, router.IsCircuitOpen(result.Err))
	assert.False(t, invoked)
}
