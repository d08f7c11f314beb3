package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcha-dev/orcha/pkg/audit"
	"github.com/orcha-dev/orcha/pkg/events"
	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
	"github.com/orcha-dev/orcha/pkg/persistence/file"
)

func TestFeed_History(t *testing.T) {
	persist := file.NewPersistence(t.TempDir())
	feed := audit.NewFeed(persist)
	ctx := context.Background()

	execution := &models.WorkflowExecution{
		ID:           "exec-1",
		DefinitionID: "def-1",
		Status:       models.ExecutionStatusInProgress,
	}
	require.NoError(t, persist.Executions().Create(ctx, execution))

	base := time.Now().UTC()

	first := &models.StageExecutionLog{
		ID: "log-1", ExecutionID: "exec-1", StageID: "A", Attempt: 1,
		Status: models.StageStatusFailed, StartedAt: base,
	}
	require.NoError(t, persist.StageLogs().Insert(ctx, first))

	second := &models.StageExecutionLog{
		ID: "log-2", ExecutionID: "exec-1", StageID: "A", Attempt: 2,
		Status: models.StageStatusInProgress, StartedAt: base.Add(time.Second),
	}
	require.NoError(t, persist.StageLogs().Insert(ctx, second))

	require.NoError(t, persist.Events().Append(ctx, events.NewWorkflowEvent("exec-1", events.WorkflowStarted, "", nil)))
	require.NoError(t, persist.Events().Append(ctx, events.NewWorkflowEvent("exec-1", events.StageStarted, "A", nil)))

	history, err := feed.History(ctx, "exec-1")
	require.NoError(t, err)

	assert.Equal(t, "exec-1", history.Execution.ID)
	require.Len(t, history.Stages, 2)
	assert.Equal(t, 1, history.Stages[0].Attempt)
	assert.Equal(t, 2, history.Stages[1].Attempt)
	require.Len(t, history.Events, 2)
	assert.Equal(t, events.WorkflowStarted, history.Events[0].Type)

	assert.Equal(t, []string{"A"}, history.CurrentStageIDs())
}

func TestFeed_HistoryUnknownExecution(t *testing.T) {
	feed := audit.NewFeed(file.NewPersistence(t.TempDir()))

	_, err := feed.History(context.Background(), "missing")
	require.ErrorIs(t, err, persistence.ErrExecutionNotFound)
}
