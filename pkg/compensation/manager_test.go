package compensation_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcha-dev/orcha/pkg/agent"
	"github.com/orcha-dev/orcha/pkg/breaker"
	"github.com/orcha-dev/orcha/pkg/compensation"
	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
	"github.com/orcha-dev/orcha/pkg/persistence/file"
	"github.com/orcha-dev/orcha/pkg/registry"
	"github.com/orcha-dev/orcha/pkg/router"
)

type sweepFixture struct {
	manager     *compensation.Manager
	persistence persistence.Persistence
	registry    *registry.Registry
	ctx         context.Context
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	persist := file.NewPersistence(t.TempDir())
	reg := registry.NewRegistry(logger)
	brk := breaker.New(breaker.NewMemoryStore(), breaker.DefaultConfig(), logger)
	rtr := router.New(reg, brk, logger)

	return &sweepFixture{
		manager:     compensation.NewManager(persist, rtr, logger),
		persistence: persist,
		registry:    reg,
		ctx:         context.Background(),
	}
}

func (f *sweepFixture) succeededLog(t *testing.T, executionID, stageID string, output map[string]any) {
	t.Helper()

	now := time.Now().UTC()
	log := &models.StageExecutionLog{
		ID:          "log-" + stageID,
		ExecutionID: executionID,
		StageID:     stageID,
		Attempt:     1,
		Status:      models.StageStatusSucceeded,
		StartedAt:   now,
		CompletedAt: &now,
		Output:      output,
	}
	require.NoError(t, f.persistence.StageLogs().Insert(f.ctx, log))
}

func chainDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:      "def-chain",
		Name:    "provisioning",
		Version: 1,
		Stages: []models.Stage{
			{ID: "A", Capability: "cap.a", CompensationRef: "undo.a"},
			{ID: "B", Capability: "cap.b"}, // No compensation declared
			{ID: "C", Capability: "cap.c", CompensationRef: "undo.c"},
		},
		Edges: []models.Edge{
			{From: "A", To: "B"},
			{From: "B", To: "C"},
		},
	}
}

func TestSweep_ReverseOrderWithRecordedOutputs(t *testing.T) {
	f := newSweepFixture(t)

	var calls []string

	var inputs []map[string]any

	record := func(name string) agent.Factory {
		return agent.FuncFactory(name, func(_ context.Context, input map[string]any) (map[string]any, error) {
			calls = append(calls, name)
			inputs = append(inputs, input)

			return nil, nil
		})
	}
	f.registry.RegisterAgent(record("undo.a"))
	f.registry.RegisterAgent(record("undo.c"))

	execution := &models.WorkflowExecution{ID: "exec-1", DefinitionID: "def-chain"}
	f.succeededLog(t, execution.ID, "A", map[string]any{"resource": "a-1"})
	f.succeededLog(t, execution.ID, "B", map[string]any{"resource": "b-1"})
	f.succeededLog(t, execution.ID, "C", map[string]any{"resource": "c-1"})

	swept, residuals, err := f.manager.Sweep(f.ctx, execution, chainDefinition())
	require.NoError(t, err)

	// Every succeeded stage counts, including B which has nothing to undo.
	assert.Equal(t, 3, swept)
	assert.Empty(t, residuals)

	// C is undone before A, each fed its own recorded output.
	assert.Equal(t, []string{"undo.c", "undo.a"}, calls)
	assert.Equal(t, "c-1", inputs[0]["resource"])
	assert.Equal(t, "a-1", inputs[1]["resource"])

	stored, err := f.persistence.Events().ByExecution(f.ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, events.StageCompensated, stored[0].Type)
	assert.Equal(t, "C", stored[0].StageID)
	assert.Equal(t, "A", stored[1].StageID)
}

func TestSweep_FailuresNeverHaltTheSweep(t *testing.T) {
	f := newSweepFixture(t)

	var calls []string

	f.registry.RegisterAgent(agent.FuncFactory("undo.c", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		calls = append(calls, "undo.c")

		return nil, errors.New("downstream gone")
	}))
	f.registry.RegisterAgent(agent.FuncFactory("undo.a", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		calls = append(calls, "undo.a")

		return nil, nil
	}))

	execution := &models.WorkflowExecution{ID: "exec-1", DefinitionID: "def-chain"}
	f.succeededLog(t, execution.ID, "A", nil)
	f.succeededLog(t, execution.ID, "C", nil)

	swept, residuals, err := f.manager.Sweep(f.ctx, execution, chainDefinition())
	require.NoError(t, err)

	assert.Equal(t, 2, swept)
	require.Len(t, residuals, 1)
	assert.Equal(t, "C", residuals[0].StageID)
	assert.Equal(t, "undo.c", residuals[0].Capability)
	assert.Contains(t, residuals[0].Error, "downstream gone")

	// The failure did not stop A from being compensated.
	assert.Equal(t, []string{"undo.c", "undo.a"}, calls)

	stored, err := f.persistence.Events().ByExecution(f.ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, events.CompensationFailed, stored[0].Type)
	assert.Equal(t, events.StageCompensated, stored[1].Type)
}

func TestSweep_UnresolvableCompensationIsResidual(t *testing.T) {
	f := newSweepFixture(t)

	execution := &models.WorkflowExecution{ID: "exec-1", DefinitionID: "def-chain"}
	f.succeededLog(t, execution.ID, "A", nil)

	// undo.a is never registered.
	swept, residuals, err := f.manager.Sweep(f.ctx, execution, chainDefinition())
	require.NoError(t, err)

	assert.Equal(t, 1, swept)
	require.Len(t, residuals, 1)
	assert.Equal(t, "A", residuals[0].StageID)
}

func TestSweep_NothingSucceededNothingSwept(t *testing.T) {
	f := newSweepFixture(t)

	execution := &models.WorkflowExecution{ID: "exec-1", DefinitionID: "def-chain"}

	swept, residuals, err := f.manager.Sweep(f.ctx, execution, chainDefinition())
	require.NoError(t, err)
	assert.Zero(t, swept)
	assert.Empty(t, residuals)
}
