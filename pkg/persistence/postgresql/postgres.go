// Package postgresql provides PostgreSQL persistence for definitions, executions,
// stage logs and the audit trail.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/orcha-dev/orcha/pkg/persistence"
	"github.com/orcha-dev/orcha/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL. All conditional-write
// semantics map directly onto SQL: optimistic versions are enforced with
// `WHERE version = $n` updates and the single live stage row with a partial unique
// index, so the guarantees hold across processes.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	definitionRepo *DefinitionRepository
	executionRepo  *ExecutionRepository
	stageLogRepo   *StageLogRepository
	eventRepo      *EventRepository
}

// NewPersistence connects to PostgreSQL and runs pending schema migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	postgres := &Persistence{
		db:     database,
		logger: logger,
	}
	postgres.definitionRepo = &DefinitionRepository{db: database, logger: logger}
	postgres.executionRepo = &ExecutionRepository{db: database, logger: logger}
	postgres.stageLogRepo = &StageLogRepository{db: database, logger: logger}
	postgres.eventRepo = &EventRepository{db: database, logger: logger}

	return postgres, nil
}

func (p *Persistence) Definitions() persistence.DefinitionRepository {
	return p.definitionRepo
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return p.executionRepo
}

func (p *Persistence) StageLogs() persistence.StageLogRepository {
	return p.stageLogRepo
}

func (p *Persistence) Events() persistence.EventRepository {
	return p.eventRepo
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
