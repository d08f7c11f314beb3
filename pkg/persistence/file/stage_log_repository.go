package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
)

const stageLogsDir = "stage_logs"

// StageLogRepository stores one JSON file per attempt row, grouped per execution so the
// range query is a directory listing.
type StageLogRepository struct {
	p *Persistence
}

func (sr *StageLogRepository) Insert(_ context.Context, log *models.StageExecutionLog) error {
	sr.p.mu.Lock()
	defer sr.p.mu.Unlock()

	rows, err := sr.loadByExecution(log.ExecutionID)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.StageID == log.StageID && row.Status.Live() {
			return persistence.NewStageError("Insert", log.ExecutionID, log.StageID, persistence.ErrLiveStageExists)
		}
	}

	log.Version = 1

	return sr.p.writeJSON(filepath.Join(stageLogsDir, log.ExecutionID), log.ID, log)
}

func (sr *StageLogRepository) Update(_ context.Context, log *models.StageExecutionLog) error {
	sr.p.mu.Lock()
	defer sr.p.mu.Unlock()

	dir := filepath.Join(stageLogsDir, log.ExecutionID)

	var stored models.StageExecutionLog
	if err := sr.p.readJSON(dir, log.ID, &stored); err != nil {
		if os.IsNotExist(err) {
			return persistence.NewStageError("Update", log.ExecutionID, log.StageID, persistence.ErrStageLogNotFound)
		}

		return err
	}

	if stored.Version != log.Version {
		return persistence.NewStageError("Update", log.ExecutionID, log.StageID, persistence.ErrVersionConflict)
	}

	log.Version++

	return sr.p.writeJSON(dir, log.ID, log)
}

func (sr *StageLogRepository) Get(_ context.Context, id string) (*models.StageExecutionLog, error) {
	sr.p.mu.Lock()
	defer sr.p.mu.Unlock()

	executionDirs, err := os.ReadDir(filepath.Join(sr.p.root, stageLogsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrStageLogNotFound, id)
		}

		return nil, err
	}

	for _, entry := range executionDirs {
		if !entry.IsDir() {
			continue
		}

		var log models.StageExecutionLog
		if err := sr.p.readJSON(filepath.Join(stageLogsDir, entry.Name()), id, &log); err == nil {
			return &log, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", persistence.ErrStageLogNotFound, id)
}

func (sr *StageLogRepository) ByExecution(_ context.Context, executionID string) ([]*models.StageExecutionLog, error) {
	sr.p.mu.Lock()
	defer sr.p.mu.Unlock()

	return sr.loadByExecution(executionID)
}

// loadByExecution returns every attempt row for the execution ordered by start time,
// attempt number breaking ties. Callers hold the persistence mutex.
func (sr *StageLogRepository) loadByExecution(executionID string) ([]*models.StageExecutionLog, error) {
	dir := filepath.Join(stageLogsDir, executionID)

	names, err := sr.p.listJSON(dir)
	if err != nil {
		return nil, err
	}

	logs := make([]*models.StageExecutionLog, 0, len(names))

	for _, name := range names {
		var log models.StageExecutionLog
		if err := sr.p.readJSON(dir, name, &log); err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, err
		}

		logs = append(logs, &log)
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].StartedAt.Equal(logs[j].StartedAt) {
			return logs[i].Attempt < logs[j].Attempt
		}

		return logs[i].StartedAt.Before(logs[j].StartedAt)
	})

	return logs, nil
}
