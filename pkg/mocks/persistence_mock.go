package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
)

// MockPersistence is a mock implementation of the persistence.Persistence interface.
// Repository accessors return the embedded mocks so tests can set expectations on
// them directly.
type MockPersistence struct {
	mock.Mock

	DefinitionRepo *MockDefinitionRepository
	ExecutionRepo  *MockExecutionRepository
	StageLogRepo   *MockStageLogRepository
	EventRepo      *MockEventRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		DefinitionRepo: &MockDefinitionRepository{},
		ExecutionRepo:  &MockExecutionRepository{},
		StageLogRepo:   &MockStageLogRepository{},
		EventRepo:      &MockEventRepository{},
	}
}

func (m *MockPersistence) Definitions() persistence.DefinitionRepository {
	return m.DefinitionRepo
}

func (m *MockPersistence) Executions() persistence.ExecutionRepository {
	return m.ExecutionRepo
}

func (m *MockPersistence) StageLogs() persistence.StageLogRepository {
	return m.StageLogRepo
}

func (m *MockPersistence) Events() persistence.EventRepository {
	return m.EventRepo
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

type MockDefinitionRepository struct {
	mock.Mock
}

func (m *MockDefinitionRepository) Save(ctx context.Context, definition *models.WorkflowDefinition) error {
	args := m.Called(ctx, definition)

	return args.Error(0)
}

func (m *MockDefinitionRepository) Activate(ctx context.Context, name string, version int) error {
	args := m.Called(ctx, name, version)

	return args.Error(0)
}

func (m *MockDefinitionRepository) ActiveByName(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowDefinition), args.Error(1)
}

func (m *MockDefinitionRepository) ByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowDefinition), args.Error(1)
}

func (m *MockDefinitionRepository) Versions(ctx context.Context, name string) ([]*models.WorkflowDefinition, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowDefinition), args.Error(1)
}

type MockExecutionRepository struct {
	mock.Mock
}

func (m *MockExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

func (m *MockExecutionRepository) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowExecution), args.Error(1)
}

func (m *MockExecutionRepository) Update(ctx context.Context, execution *models.WorkflowExecution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

func (m *MockExecutionRepository) ListByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.WorkflowExecution, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowExecution), args.Error(1)
}

type MockStageLogRepository struct {
	mock.Mock
}

func (m *MockStageLogRepository) Insert(ctx context.Context, log *models.StageExecutionLog) error {
	args := m.Called(ctx, log)

	return args.Error(0)
}

func (m *MockStageLogRepository) Update(ctx context.Context, log *models.StageExecutionLog) error {
	args := m.Called(ctx, log)

	return args.Error(0)
}

func (m *MockStageLogRepository) Get(ctx context.Context, id string) (*models.StageExecutionLog, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.StageExecutionLog), args.Error(1)
}

func (m *MockStageLogRepository) ByExecution(ctx context.Context, executionID string) ([]*models.StageExecutionLog, error) {
	args := m.Called(ctx, executionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.StageExecutionLog), args.Error(1)
}

type MockEventRepository struct {
	mock.Mock
}

func (m *MockEventRepository) Append(ctx context.Context, event *events.WorkflowEvent) error {
	args := m.Called(ctx, event)

	return args.Error(0)
}

func (m *MockEventRepository) ByExecution(ctx context.Context, executionID string) ([]*events.WorkflowEvent, error) {
	args := m.Called(ctx, executionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*events.WorkflowEvent), args.Error(1)
}
