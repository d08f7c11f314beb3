package file

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
)

const executionsDir = "executions"

// ExecutionRepository stores one JSON file per execution, with the optimistic version
// check enforced under the persistence mutex.
type ExecutionRepository struct {
	p *Persistence
}

func (er *ExecutionRepository) Create(_ context.Context, execution *models.WorkflowExecution) error {
	er.p.mu.Lock()
	defer er.p.mu.Unlock()

	var existing models.WorkflowExecution
	if err := er.p.readJSON(executionsDir, execution.ID, &existing); err == nil {
		return persistence.NewExecutionError("Create", execution.ID, persistence.ErrVersionConflict)
	}

	execution.Version = 1
	execution.CreatedAt = time.Now().UTC()
	execution.UpdatedAt = execution.CreatedAt

	return er.p.writeJSON(executionsDir, execution.ID, execution)
}

func (er *ExecutionRepository) Get(_ context.Context, id string) (*models.WorkflowExecution, error) {
	er.p.mu.Lock()
	defer er.p.mu.Unlock()

	var execution models.WorkflowExecution
	if err := er.p.readJSON(executionsDir, id, &execution); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrExecutionNotFound, id)
		}

		return nil, err
	}

	return &execution, nil
}

func (er *ExecutionRepository) Update(_ context.Context, execution *models.WorkflowExecution) error {
	er.p.mu.Lock()
	defer er.p.mu.Unlock()

	var stored models.WorkflowExecution
	if err := er.p.readJSON(executionsDir, execution.ID, &stored); err != nil {
		if os.IsNotExist(err) {
			return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
		}

		return err
	}

	if stored.Version != execution.Version {
		return persistence.NewExecutionError("Update", execution.ID, persistence.ErrVersionConflict)
	}

	execution.Version++
	execution.UpdatedAt = time.Now().UTC()

	return er.p.writeJSON(executionsDir, execution.ID, execution)
}

func (er *ExecutionRepository) ListByStatus(_ context.Context, status models.ExecutionStatus) ([]*models.WorkflowExecution, error) {
	er.p.mu.Lock()
	defer er.p.mu.Unlock()

	names, err := er.p.listJSON(executionsDir)
	if err != nil {
		return nil, err
	}

	var executions []*models.WorkflowExecution

	for _, name := range names {
		var execution models.WorkflowExecution
		if err := er.p.readJSON(executionsDir, name, &execution); err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, err
		}

		if execution.Status == status {
			executions = append(executions, &execution)
		}
	}

	return executions, nil
}
