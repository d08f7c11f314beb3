package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
)

// ExecutionRepository handles execution rows. The optimistic version check rides on the
// UPDATE's WHERE clause, so a stale write affects zero rows and is reported as a
// conflict without any explicit locking.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const executionColumns = `
	id
  , definition_id
  , status
  , context
  , breaker_trips
  , error_message
  , version
  , created_at
  , updated_at
`

func (r *ExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	execution.Version = 1
	execution.CreatedAt = time.Now().UTC()
	execution.UpdatedAt = execution.CreatedAt

	contextJSON, tripsJSON, err := marshalExecutionFields(execution)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_executions
			(id, definition_id, status, context, breaker_trips, error_message, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.DefinitionID,
		execution.Status,
		contextJSON,
		tripsJSON,
		nullableString(execution.ErrorMessage),
		execution.Version,
		execution.CreatedAt,
		execution.UpdatedAt,
	)
	if err != nil {
		if uniqueViolation(err, "workflow_executions_pkey") {
			return persistence.NewExecutionError("Create", execution.ID, persistence.ErrVersionConflict)
		}

		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE id = $1
	`

	execution, err := r.scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrExecutionNotFound, id)
		}

		return nil, err
	}

	return execution, nil
}

func (r *ExecutionRepository) Update(ctx context.Context, execution *models.WorkflowExecution) error {
	readVersion := execution.Version
	execution.Version++
	execution.UpdatedAt = time.Now().UTC()

	contextJSON, tripsJSON, err := marshalExecutionFields(execution)
	if err != nil {
		execution.Version = readVersion

		return err
	}

	query := `
		UPDATE workflow_executions
		SET status = $1, context = $2, breaker_trips = $3, error_message = $4,
			version = $5, updated_at = $6
		WHERE id = $7 AND version = $8
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.Status,
		contextJSON,
		tripsJSON,
		nullableString(execution.ErrorMessage),
		execution.Version,
		execution.UpdatedAt,
		execution.ID,
		readVersion,
	)
	if err != nil {
		execution.Version = readVersion

		return fmt.Errorf("failed to update execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		execution.Version = readVersion

		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		execution.Version = readVersion

		var exists bool
		if err := r.db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM workflow_executions WHERE id = $1)", execution.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check execution existence: %w", err)
		}

		if !exists {
			return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
		}

		return persistence.NewExecutionError("Update", execution.ID, persistence.ErrVersionConflict)
	}

	return nil
}

func (r *ExecutionRepository) ListByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE status = $1
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := r.scanExecution(rows)
		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func (r *ExecutionRepository) scanExecution(row rowScanner) (*models.WorkflowExecution, error) {
	var (
		execution    models.WorkflowExecution
		contextJSON  []byte
		tripsJSON    []byte
		errorMessage sql.NullString
	)

	err := row.Scan(
		&execution.ID,
		&execution.DefinitionID,
		&execution.Status,
		&contextJSON,
		&tripsJSON,
		&errorMessage,
		&execution.Version,
		&execution.CreatedAt,
		&execution.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	execution.ErrorMessage = errorMessage.String

	if err := json.Unmarshal(contextJSON, &execution.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution context: %w", err)
	}

	if err := json.Unmarshal(tripsJSON, &execution.BreakerTrips); err != nil {
		return nil, fmt.Errorf("failed to unmarshal breaker trips: %w", err)
	}

	return &execution, nil
}

func marshalExecutionFields(execution *models.WorkflowExecution) ([]byte, []byte, error) {
	if execution.Context == nil {
		execution.Context = make(map[string]any)
	}

	contextJSON, err := json.Marshal(execution.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal execution context: %w", err)
	}

	trips := execution.BreakerTrips
	if trips == nil {
		trips = []string{}
	}

	tripsJSON, err := json.Marshal(trips)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal breaker trips: %w", err)
	}

	return contextJSON, tripsJSON, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
