// Package compensation implements the saga rollback sweep: undoing the effects of
// succeeded stages after an execution fails.
package compensation

import (
	"context"
	"log/slog"
	"time"

	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
	"github.com/orcha-dev/orcha/pkg/router"
)

// casAttempts bounds the optimistic retry loop when marking compensation completion.
const casAttempts = 5

// Residual is one compensation that could not be completed. Residuals are reported in
// the terminal event metadata for operator follow-up; they never block the sweep.
type Residual struct {
	StageID    string `json:"stage_id"`
	Capability string `json:"capability"`
	Error      string `json:"error"`
}

// Manager runs the rollback sweep. Compensations are capabilities like any other and
// route through the same breaker-guarded router as forward work.
type Manager struct {
	persistence persistence.Persistence
	router      *router.Router
	logger      *slog.Logger
}

func NewManager(persist persistence.Persistence, rtr *router.Router, logger *slog.Logger) *Manager {
	return &Manager{
		persistence: persist,
		router:      rtr,
		logger:      logger.With("module", "compensation"),
	}
}

// Sweep compensates every succeeded stage of the execution in reverse topological
// order, feeding each compensation the output its stage recorded. A failed
// compensation is logged and recorded as a residual; the sweep always visits every
// stage. The returned count is the number of succeeded stages the sweep considered,
// which is zero when the execution failed before any stage completed.
//
// Sweeps are resumable: each completed compensation stamps CompensatedAt on its stage
// log, so a sweep re-run after a crash skips the work already done.
func (m *Manager) Sweep(ctx context.Context, execution *models.WorkflowExecution, definition *models.WorkflowDefinition) (int, []Residual, error) {
	logs, err := m.persistence.StageLogs().ByExecution(ctx, execution.ID)
	if err != nil {
		return 0, nil, err
	}

	succeeded := make(map[string]*models.StageExecutionLog, len(logs))
	for _, log := range logs {
		if log.Status == models.StageStatusSucceeded {
			succeeded[log.StageID] = log
		}
	}

	order, err := definition.TopologicalOrder()
	if err != nil {
		return 0, nil, err
	}

	swept := 0
	residuals := make([]Residual, 0)

	for i := len(order) - 1; i >= 0; i-- {
		stageID := order[i]

		log, ok := succeeded[stageID]
		if !ok {
			continue
		}

		swept++

		stage, _ := definition.Stage(stageID)
		if stage.CompensationRef == "" {
			continue
		}

		if log.CompensatedAt != nil {
			continue // Done on an earlier sweep
		}

		if residual := m.compensate(ctx, execution, stage, log); residual != nil {
			residuals = append(residuals, *residual)
		}
	}

	return swept, residuals, nil
}

func (m *Manager) compensate(ctx context.Context, execution *models.WorkflowExecution, stage models.Stage, log *models.StageExecutionLog) *Residual {
	m.logger.InfoContext(ctx, "Compensating stage",
		"execution_id", execution.ID,
		"stage_id", stage.ID,
		"capability", stage.CompensationRef,
	)

	handle, err := m.router.Resolve(ctx, stage.CompensationRef, stage.Config)
	if err != nil {
		return m.record(ctx, execution, stage, err)
	}

	_, invokeErr := handle.Invoke(ctx, log.Output)
	m.router.Report(ctx, stage.CompensationRef, invokeErr)

	if invokeErr != nil {
		return m.record(ctx, execution, stage, invokeErr)
	}

	m.markCompensated(ctx, log)

	event := events.NewWorkflowEvent(execution.ID, events.StageCompensated, stage.ID, map[string]any{
		"capability": stage.CompensationRef,
	})
	if err := m.persistence.Events().Append(ctx, event); err != nil {
		m.logger.ErrorContext(ctx, "Failed to append compensation event",
			"execution_id", execution.ID,
			"stage_id", stage.ID,
			"error", err,
		)
	}

	return nil
}

// markCompensated stamps the stage log so a resumed sweep skips this stage. A crash
// between the compensation call and this write means one extra compensation on
// resume, which matches the at-least-once contract agents already carry.
func (m *Manager) markCompensated(ctx context.Context, log *models.StageExecutionLog) {
	now := time.Now().UTC()

	for range casAttempts {
		fresh, err := m.persistence.StageLogs().Get(ctx, log.ID)
		if err != nil {
			break
		}

		if fresh.CompensatedAt != nil {
			return
		}

		fresh.CompensatedAt = &now

		err = m.persistence.StageLogs().Update(ctx, fresh)
		if err == nil {
			return
		}

		if !persistence.IsVersionConflict(err) {
			break
		}
	}

	m.logger.ErrorContext(ctx, "Failed to mark stage compensated",
		"execution_id", log.ExecutionID,
		"stage_id", log.StageID,
	)
}

// record captures a failed compensation as an audit event and a residual. The sweep
// keeps going no matter what.
func (m *Manager) record(ctx context.Context, execution *models.WorkflowExecution, stage models.Stage, cause error) *Residual {
	m.logger.ErrorContext(ctx, "Compensation failed",
		"execution_id", execution.ID,
		"stage_id", stage.ID,
		"capability", stage.CompensationRef,
		"error", cause,
	)

	event := events.NewWorkflowEvent(execution.ID, events.CompensationFailed, stage.ID, map[string]any{
		"capability": stage.CompensationRef,
		"error":      cause.Error(),
	})
	if err := m.persistence.Events().Append(ctx, event); err != nil {
		m.logger.ErrorContext(ctx, "Failed to append compensation failure event",
			"execution_id", execution.ID,
			"stage_id", stage.ID,
			"error", err,
		)
	}

	return &Residual{
		StageID:    stage.ID,
		Capability: stage.CompensationRef,
		Error:      cause.Error(),
	}
}
