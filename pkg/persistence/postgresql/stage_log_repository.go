package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
)

// StageLogRepository handles per-attempt stage rows. The single live row invariant is
// enforced by the idx_stage_logs_single_live partial unique index, so it holds under
// concurrent inserts from multiple processes.
type StageLogRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const stageLogColumns = `
	id
  , execution_id
  , stage_id
  , attempt
  , status
  , not_before
  , started_at
  , completed_at
  , error_message
  , fatal
  , input
  , output
  , compensated_at
  , version
`

func (r *StageLogRepository) Insert(ctx context.Context, log *models.StageExecutionLog) error {
	log.Version = 1

	inputJSON, outputJSON, err := marshalStageLogFields(log)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO stage_execution_logs
			(id, execution_id, stage_id, attempt, status, not_before, started_at,
			 completed_at, error_message, fatal, input, output, compensated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = r.db.ExecContext(ctx, query,
		log.ID,
		log.ExecutionID,
		log.StageID,
		log.Attempt,
		log.Status,
		log.NotBefore,
		log.StartedAt,
		log.CompletedAt,
		nullableString(log.ErrorMessage),
		log.Fatal,
		inputJSON,
		outputJSON,
		log.CompensatedAt,
		log.Version,
	)
	if err != nil {
		if uniqueViolation(err, "idx_stage_logs_single_live") {
			return persistence.NewStageError("Insert", log.ExecutionID, log.StageID, persistence.ErrLiveStageExists)
		}

		return fmt.Errorf("failed to insert stage log: %w", err)
	}

	return nil
}

func (r *StageLogRepository) Update(ctx context.Context, log *models.StageExecutionLog) error {
	readVersion := log.Version
	log.Version++

	inputJSON, outputJSON, err := marshalStageLogFields(log)
	if err != nil {
		log.Version = readVersion

		return err
	}

	query := `
		UPDATE stage_execution_logs
		SET status = $1, not_before = $2, started_at = $3, completed_at = $4,
			error_message = $5, fatal = $6, input = $7, output = $8,
			compensated_at = $9, version = $10
		WHERE id = $11 AND version = $12
	`

	result, err := r.db.ExecContext(ctx, query,
		log.Status,
		log.NotBefore,
		log.StartedAt,
		log.CompletedAt,
		nullableString(log.ErrorMessage),
		log.Fatal,
		inputJSON,
		outputJSON,
		log.CompensatedAt,
		log.Version,
		log.ID,
		readVersion,
	)
	if err != nil {
		log.Version = readVersion

		return fmt.Errorf("failed to update stage log: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		log.Version = readVersion

		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		log.Version = readVersion

		var exists bool
		if err := r.db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM stage_execution_logs WHERE id = $1)", log.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check stage log existence: %w", err)
		}

		if !exists {
			return persistence.NewStageError("Update", log.ExecutionID, log.StageID, persistence.ErrStageLogNotFound)
		}

		return persistence.NewStageError("Update", log.ExecutionID, log.StageID, persistence.ErrVersionConflict)
	}

	return nil
}

func (r *StageLogRepository) Get(ctx context.Context, id string) (*models.StageExecutionLog, error) {
	query := `
		SELECT ` + stageLogColumns + `
		FROM stage_execution_logs
		WHERE id = $1
	`

	log, err := r.scanStageLog(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrStageLogNotFound, id)
		}

		return nil, err
	}

	return log, nil
}

func (r *StageLogRepository) ByExecution(ctx context.Context, executionID string) ([]*models.StageExecutionLog, error) {
	query := `
		SELECT ` + stageLogColumns + `
		FROM stage_execution_logs
		WHERE execution_id = $1
		ORDER BY started_at, attempt
	`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage logs: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	logs := make([]*models.StageExecutionLog, 0)

	for rows.Next() {
		log, err := r.scanStageLog(rows)
		if err != nil {
			return nil, err
		}

		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage logs: %w", err)
	}

	return logs, nil
}

func (r *StageLogRepository) scanStageLog(row rowScanner) (*models.StageExecutionLog, error) {
	var (
		log           models.StageExecutionLog
		completedAt   sql.NullTime
		compensatedAt sql.NullTime
		errorMessage  sql.NullString
		inputJSON     []byte
		outputJSON    []byte
	)

	err := row.Scan(
		&log.ID,
		&log.ExecutionID,
		&log.StageID,
		&log.Attempt,
		&log.Status,
		&log.NotBefore,
		&log.StartedAt,
		&completedAt,
		&errorMessage,
		&log.Fatal,
		&inputJSON,
		&outputJSON,
		&compensatedAt,
		&log.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to scan stage log: %w", err)
	}

	if completedAt.Valid {
		t := completedAt.Time
		log.CompletedAt = &t
	}

	if compensatedAt.Valid {
		t := compensatedAt.Time
		log.CompensatedAt = &t
	}

	log.ErrorMessage = errorMessage.String

	if err := json.Unmarshal(inputJSON, &log.Input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stage input: %w", err)
	}

	if outputJSON != nil {
		if err := json.Unmarshal(outputJSON, &log.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stage output: %w", err)
		}
	}

	return &log, nil
}

func marshalStageLogFields(log *models.StageExecutionLog) ([]byte, []byte, error) {
	if log.Input == nil {
		log.Input = make(map[string]any)
	}

	inputJSON, err := json.Marshal(log.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal stage input: %w", err)
	}

	var outputJSON []byte

	if log.Output != nil {
		outputJSON, err = json.Marshal(log.Output)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal stage output: %w", err)
		}
	}

	return inputJSON, outputJSON, nil
}
