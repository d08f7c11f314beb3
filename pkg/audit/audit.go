// Package audit exposes the read-only observability join over an execution: its row,
// its per-attempt stage logs, and its append-only event trail.
package audit

import (
	"context"
	"sort"

	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
)

// History is the full reconstructable record of one execution.
type History struct {
	Execution *models.WorkflowExecution   `json:"execution"`
	Stages    []*models.StageExecutionLog `json:"stages"`
	Events    []*events.WorkflowEvent     `json:"events"`
}

// CurrentStageIDs returns the stages with a live attempt right now.
func (h *History) CurrentStageIDs() []string {
	ids := make([]string, 0)

	for _, log := range h.Stages {
		if log.Status.Live() {
			ids = append(ids, log.StageID)
		}
	}

	return ids
}

type Feed struct {
	persistence persistence.Persistence
}

func NewFeed(persist persistence.Persistence) *Feed {
	return &Feed{persistence: persist}
}

// History loads the execution joined with its stage logs and events. Stage logs are
// ordered by start time, then attempt, so replaying the slice reads chronologically.
func (f *Feed) History(ctx context.Context, executionID string) (*History, error) {
	execution, err := f.persistence.Executions().Get(ctx, executionID)
	if err != nil {
		return nil, err
	}

	stages, err := f.persistence.StageLogs().ByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(stages, func(i, j int) bool {
		if !stages[i].StartedAt.Equal(stages[j].StartedAt) {
			return stages[i].StartedAt.Before(stages[j].StartedAt)
		}

		return stages[i].Attempt < stages[j].Attempt
	})

	trail, err := f.persistence.Events().ByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return &History{
		Execution: execution,
		Stages:    stages,
		Events:    trail,
	}, nil
}
