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

// DefinitionRepository handles workflow definition database operations. Stages and
// edges travel as JSONB since the engine always loads a definition whole.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const definitionColumns = `
	id
  , name
  , version
  , stages
  , edges
  , is_active
  , created_at
`

func (r *DefinitionRepository) Save(ctx context.Context, definition *models.WorkflowDefinition) error {
	stagesJSON, err := json.Marshal(definition.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stages: %w", err)
	}

	edgesJSON, err := json.Marshal(definition.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal edges: %w", err)
	}

	query := `
		INSERT INTO workflow_definitions (id, name, version, stages, edges, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.db.ExecContext(ctx, query,
		definition.ID,
		definition.Name,
		definition.Version,
		stagesJSON,
		edgesJSON,
		definition.IsActive,
		definition.CreatedAt,
	)
	if err != nil {
		if uniqueViolation(err, "workflow_definitions_name_version_key") {
			return fmt.Errorf("%w: %s v%d", persistence.ErrDefinitionExists, definition.Name, definition.Version)
		}

		return fmt.Errorf("failed to save definition: %w", err)
	}

	return nil
}

func (r *DefinitionRepository) Activate(ctx context.Context, name string, version int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		"UPDATE workflow_definitions SET is_active = FALSE WHERE name = $1 AND is_active", name)
	if err != nil {
		return fmt.Errorf("failed to deactivate previous versions: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		"UPDATE workflow_definitions SET is_active = TRUE WHERE name = $1 AND version = $2", name, version)
	if err != nil {
		return fmt.Errorf("failed to activate version: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		err = fmt.Errorf("%w: %s v%d", persistence.ErrDefinitionNotFound, name, version)

		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *DefinitionRepository) ActiveByName(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM workflow_definitions
		WHERE name = $1 AND is_active
	`

	definition, err := r.scanDefinition(r.db.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.resolveMissing(ctx, name)
		}

		return nil, err
	}

	return definition, nil
}

// resolveMissing distinguishes an unknown name from a name whose versions are all
// inactive, so callers get the precise sentinel.
func (r *DefinitionRepository) resolveMissing(ctx context.Context, name string) error {
	var count int

	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workflow_definitions WHERE name = $1", name).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count definition versions: %w", err)
	}

	if count == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrDefinitionNotFound, name)
	}

	return fmt.Errorf("%w: %s", persistence.ErrNoActiveDefinition, name)
}

func (r *DefinitionRepository) ByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM workflow_definitions
		WHERE id = $1
	`

	definition, err := r.scanDefinition(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrDefinitionNotFound, id)
		}

		return nil, err
	}

	return definition, nil
}

func (r *DefinitionRepository) Versions(ctx context.Context, name string) ([]*models.WorkflowDefinition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM workflow_definitions
		WHERE name = $1
		ORDER BY version
	`

	rows, err := r.db.QueryContext(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query definition versions: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	definitions := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		definition, err := r.scanDefinition(rows)
		if err != nil {
			return nil, err
		}

		definitions = append(definitions, definition)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definition versions: %w", err)
	}

	return definitions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *DefinitionRepository) scanDefinition(row rowScanner) (*models.WorkflowDefinition, error) {
	var (
		definition models.WorkflowDefinition
		stagesJSON []byte
		edgesJSON  []byte
	)

	err := row.Scan(
		&definition.ID,
		&definition.Name,
		&definition.Version,
		&stagesJSON,
		&edgesJSON,
		&definition.IsActive,
		&definition.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to scan definition: %w", err)
	}

	if err := json.Unmarshal(stagesJSON, &definition.Stages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stages: %w", err)
	}

	if err := json.Unmarshal(edgesJSON, &definition.Edges); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edges: %w", err)
	}

	return &definition, nil
}
