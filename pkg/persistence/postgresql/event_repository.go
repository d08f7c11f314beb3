package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/orcha-dev/orcha/pkg/events"
)

// EventRepository is the append-only audit trail. A BIGSERIAL sequence column orders
// events within an execution; timestamps alone are not monotonic enough.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *EventRepository) Append(ctx context.Context, event *events.WorkflowEvent) error {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	query := `
		INSERT INTO workflow_events (id, execution_id, type, stage_id, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.db.ExecContext(ctx, query,
		event.ID,
		event.ExecutionID,
		event.Type,
		nullableString(event.StageID),
		metadataJSON,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

func (r *EventRepository) ByExecution(ctx context.Context, executionID string) ([]*events.WorkflowEvent, error) {
	query := `
		SELECT id, execution_id, type, stage_id, metadata, timestamp
		FROM workflow_events
		WHERE execution_id = $1
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	eventRows := make([]*events.WorkflowEvent, 0)

	for rows.Next() {
		var (
			event        events.WorkflowEvent
			stageID      sql.NullString
			metadataJSON []byte
		)

		err := rows.Scan(&event.ID, &event.ExecutionID, &event.Type, &stageID, &metadataJSON, &event.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.StageID = stageID.String

		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
		}

		eventRows = append(eventRows, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return eventRows, nil
}
