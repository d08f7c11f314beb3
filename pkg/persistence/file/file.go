// Package file provides file-based persistence for local development and tests.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/orcha-dev/orcha/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
// A single process-wide mutex serializes all writes, which is what gives the
// conditional-write contract its atomicity here; multi-process deployments use the
// PostgreSQL backend instead.
type Persistence struct {
	root           string
	mu             sync.Mutex
	definitionRepo *DefinitionRepository
	executionRepo  *ExecutionRepository
	stageLogRepo   *StageLogRepository
	eventRepo      *EventRepository
}

// NewPersistence creates a new file persistence rooted at the given directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.definitionRepo = &DefinitionRepository{p: p}
	p.executionRepo = &ExecutionRepository{p: p}
	p.stageLogRepo = &StageLogRepository{p: p}
	p.eventRepo = &EventRepository{p: p}

	return p
}

func (fp *Persistence) Definitions() persistence.DefinitionRepository {
	return fp.definitionRepo
}

func (fp *Persistence) Executions() persistence.ExecutionRepository {
	return fp.executionRepo
}

func (fp *Persistence) StageLogs() persistence.StageLogRepository {
	return fp.stageLogRepo
}

func (fp *Persistence) Events() persistence.EventRepository {
	return fp.eventRepo
}

// HealthCheck verifies the root directory is reachable.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. For file persistence there is nothing to close.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// writeJSON marshals v and writes it under the repository subdirectory, creating the
// directory on first use. Callers hold the persistence mutex.
func (fp *Persistence) writeJSON(dir, name string, v any) error {
	fullDir := filepath.Join(fp.root, dir)
	if err := os.MkdirAll(fullDir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", fullDir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", dir, name, err)
	}

	if err := os.WriteFile(filepath.Join(fullDir, name+".json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", dir, name, err)
	}

	return nil
}

// readJSON unmarshals the named file into v. Returns os.ErrNotExist when absent.
func (fp *Persistence) readJSON(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(fp.root, dir, name+".json"))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", dir, name, err)
	}

	return nil
}

// listJSON returns the base names (without extension) of every file in dir.
func (fp *Persistence) listJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fp.root, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}

	return names, nil
}
