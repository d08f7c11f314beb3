package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
	"github.com/orcha-dev/orcha/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDB(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Children first, parents last
	for _, table := range []string{"workflow_events", "stage_execution_logs", "workflow_executions", "workflow_definitions", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("orcha_test"),
			postgres.WithUsername("orcha"),
			postgres.WithPassword("orcha"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDB(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDB(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func savedDefinition(ctx context.Context, t *testing.T, p *postgresql.Persistence, name string, version int) *models.WorkflowDefinition {
	t.Helper()

	definition := &models.WorkflowDefinition{
		ID:      uuid.New().String(),
		Name:    name,
		Version: version,
		Stages: []models.Stage{
			{ID: "reserve", Capability: "inventory.reserve", CompensationRef: "inventory.release"},
			{ID: "charge", Capability: "payments.charge"},
		},
		Edges:     []models.Edge{{From: "reserve", To: "charge"}},
		CreatedAt: time.Now().UTC(),
	}

	require.NoError(t, p.Definitions().Save(ctx, definition))

	return definition
}

func createExecution(ctx context.Context, t *testing.T, p *postgresql.Persistence, definitionID string) *models.WorkflowExecution {
	t.Helper()

	execution := &models.WorkflowExecution{
		ID:           uuid.New().String(),
		DefinitionID: definitionID,
		Status:       models.ExecutionStatusPending,
		Context:      map[string]any{"order_id": "ord-1"},
	}

	require.NoError(t, p.Executions().Create(ctx, execution))

	return execution
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	var exists bool

	for _, table := range []string{"workflow_definitions", "workflow_executions", "stage_execution_logs", "workflow_events", "schema_migrations"} {
		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = 1").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestDefinitionRepository_SaveAndActivate(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	v1 := savedDefinition(ctx, t, p, "order-flow", 1)
	v2 := savedDefinition(ctx, t, p, "order-flow", 2)

	// Duplicate (name, version) is rejected
	err := p.Definitions().Save(ctx, &models.WorkflowDefinition{
		ID:        uuid.New().String(),
		Name:      "order-flow",
		Version:   2,
		Stages:    v2.Stages,
		CreatedAt: time.Now().UTC(),
	})
	require.ErrorIs(t, err, persistence.ErrDefinitionExists)

	require.NoError(t, p.Definitions().Activate(ctx, "order-flow", 1))

	active, err := p.Definitions().ActiveByName(ctx, "order-flow")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)
	assert.True(t, active.IsActive)
	assert.Equal(t, v1.Stages, active.Stages)
	assert.Equal(t, v1.Edges, active.Edges)

	// Activating v2 flips the active flag atomically
	require.NoError(t, p.Definitions().Activate(ctx, "order-flow", 2))

	active, err = p.Definitions().ActiveByName(ctx, "order-flow")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	versions, err := p.Definitions().Versions(ctx, "order-flow")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, 2, versions[1].Version)
	assert.False(t, versions[0].IsActive)
}

func TestDefinitionRepository_MissingSentinels(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	_, err := p.Definitions().ActiveByName(ctx, "unknown")
	require.ErrorIs(t, err, persistence.ErrDefinitionNotFound)

	savedDefinition(ctx, t, p, "dormant", 1)

	_, err = p.Definitions().ActiveByName(ctx, "dormant")
	require.ErrorIs(t, err, persistence.ErrNoActiveDefinition)

	err = p.Definitions().Activate(ctx, "dormant", 9)
	require.ErrorIs(t, err, persistence.ErrDefinitionNotFound)
}

func TestExecutionRepository_OptimisticLocking(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := savedDefinition(ctx, t, p, "order-flow", 1)
	execution := createExecution(ctx, t, p, definition.ID)
	assert.Equal(t, int64(1), execution.Version)

	stale, err := p.Executions().Get(ctx, execution.ID)
	require.NoError(t, err)

	execution.Status = models.ExecutionStatusInProgress
	require.NoError(t, p.Executions().Update(ctx, execution))
	assert.Equal(t, int64(2), execution.Version)

	// The writer holding the old version loses
	stale.Status = models.ExecutionStatusFailed
	err = p.Executions().Update(ctx, stale)
	require.ErrorIs(t, err, persistence.ErrVersionConflict)

	fresh, err := p.Executions().Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusInProgress, fresh.Status)
	assert.Equal(t, map[string]any{"order_id": "ord-1"}, fresh.Context)
}

func TestExecutionRepository_ListByStatus(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := savedDefinition(ctx, t, p, "order-flow", 1)
	first := createExecution(ctx, t, p, definition.ID)
	second := createExecution(ctx, t, p, definition.ID)

	second.Status = models.ExecutionStatusInProgress
	require.NoError(t, p.Executions().Update(ctx, second))

	pending, err := p.Executions().ListByStatus(ctx, models.ExecutionStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)

	_, err = p.Executions().Get(ctx, uuid.New().String())
	require.ErrorIs(t, err, persistence.ErrExecutionNotFound)
}

func TestStageLogRepository_SingleLiveRow(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := savedDefinition(ctx, t, p, "order-flow", 1)
	execution := createExecution(ctx, t, p, definition.ID)

	now := time.Now().UTC()
	live := &models.StageExecutionLog{
		ID:          uuid.New().String(),
		ExecutionID: execution.ID,
		StageID:     "reserve",
		Attempt:     1,
		Status:      models.StageStatusPending,
		NotBefore:   now,
		StartedAt:   now,
		Input:       map[string]any{"sku": "A-1"},
	}
	require.NoError(t, p.StageLogs().Insert(ctx, live))

	// A second live row for the same (execution, stage) violates the invariant
	err := p.StageLogs().Insert(ctx, &models.StageExecutionLog{
		ID:          uuid.New().String(),
		ExecutionID: execution.ID,
		StageID:     "reserve",
		Attempt:     2,
		Status:      models.StageStatusPending,
		NotBefore:   now,
		StartedAt:   now,
	})
	require.ErrorIs(t, err, persistence.ErrLiveStageExists)
	assert.True(t, persistence.IsLiveStageExists(err))

	// Closing the live row frees the slot for the next attempt
	completedAt := now.Add(time.Second)
	live.Status = models.StageStatusFailed
	live.CompletedAt = &completedAt
	live.ErrorMessage = "boom"
	require.NoError(t, p.StageLogs().Update(ctx, live))

	require.NoError(t, p.StageLogs().Insert(ctx, &models.StageExecutionLog{
		ID:          uuid.New().String(),
		ExecutionID: execution.ID,
		StageID:     "reserve",
		Attempt:     2,
		Status:      models.StageStatusPending,
		NotBefore:   now.Add(2 * time.Second),
		StartedAt:   now.Add(2 * time.Second),
	}))

	logs, err := p.StageLogs().ByExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 1, logs[0].Attempt)
	assert.Equal(t, 2, logs[1].Attempt)
	assert.Equal(t, "boom", logs[0].ErrorMessage)
	require.NotNil(t, logs[0].CompletedAt)
}

func TestStageLogRepository_UpdateConflict(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := savedDefinition(ctx, t, p, "order-flow", 1)
	execution := createExecution(ctx, t, p, definition.ID)

	now := time.Now().UTC()
	log := &models.StageExecutionLog{
		ID:          uuid.New().String(),
		ExecutionID: execution.ID,
		StageID:     "reserve",
		Attempt:     1,
		Status:      models.StageStatusPending,
		NotBefore:   now,
		StartedAt:   now,
	}
	require.NoError(t, p.StageLogs().Insert(ctx, log))

	stale, err := p.StageLogs().Get(ctx, log.ID)
	require.NoError(t, err)

	log.Status = models.StageStatusInProgress
	require.NoError(t, p.StageLogs().Update(ctx, log))

	stale.Status = models.StageStatusSucceeded
	err = p.StageLogs().Update(ctx, stale)
	require.ErrorIs(t, err, persistence.ErrVersionConflict)
}

func TestEventRepository_AppendOrder(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := savedDefinition(ctx, t, p, "order-flow", 1)
	execution := createExecution(ctx, t, p, definition.ID)

	types := []events.EventType{
		events.WorkflowStarted,
		events.StageStarted,
		events.StageSucceeded,
		events.WorkflowCompleted,
	}

	for _, eventType := range types {
		event := events.NewWorkflowEvent(execution.ID, eventType, "", map[string]any{"k": "v"})
		require.NoError(t, p.Events().Append(ctx, event))
	}

	stored, err := p.Events().ByExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, stored, len(types))

	for i, eventType := range types {
		assert.Equal(t, eventType, stored[i].Type)
		assert.Equal(t, map[string]any{"k": "v"}, stored[i].Metadata)
	}
}
