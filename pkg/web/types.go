package web

import (
	"time"

	"github.com/orcha-dev/orcha/pkg/audit"
	"github.com/orcha-dev/orcha/pkg/models"
)

// RegisterDefinitionRequest is the DAG document accepted by POST /definitions. It is
// first checked against the JSON schema as a raw document, then decoded and validated
// structurally.
type RegisterDefinitionRequest struct {
	Name   string         `json:"name"   validate:"required,min=3"`
	Stages []models.Stage `json:"stages" validate:"required,min=1,dive"`
	Edges  []models.Edge  `json:"edges"  validate:"dive"`
}

// StartExecutionRequest asks for a new execution of a definition's active version.
type StartExecutionRequest struct {
	DefinitionName string         `json:"definition_name" validate:"required,min=3"`
	Context        map[string]any `json:"context"`
}

// StartExecutionResponse returns the id of the accepted execution.
type StartExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
}

// CancelExecutionRequest carries the operator-facing cancellation reason.
type CancelExecutionRequest struct {
	Reason string `json:"reason" validate:"required,min=1"`
}

// ExecutionResponse is the state + history view returned by GET /executions/:id.
type ExecutionResponse struct {
	ID            string                 `json:"id"`
	DefinitionID  string                 `json:"definition_id"`
	Status        models.ExecutionStatus `json:"status"`
	CurrentStages []string               `json:"current_stages"`
	Context       map[string]any         `json:"context"`
	BreakerTrips  []string               `json:"breaker_trips,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	History       *audit.History         `json:"history"`
}

func newExecutionResponse(history *audit.History) *ExecutionResponse {
	execution := history.Execution

	return &ExecutionResponse{
		ID:            execution.ID,
		DefinitionID:  execution.DefinitionID,
		Status:        execution.Status,
		CurrentStages: history.CurrentStageIDs(),
		Context:       execution.Context,
		BreakerTrips:  execution.BreakerTrips,
		ErrorMessage:  execution.ErrorMessage,
		CreatedAt:     execution.CreatedAt,
		UpdatedAt:     execution.UpdatedAt,
		History:       history,
	}
}
