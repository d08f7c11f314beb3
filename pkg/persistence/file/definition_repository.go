package file

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
)

const definitionsDir = "definitions"

// DefinitionRepository stores one JSON file per definition version.
type DefinitionRepository struct {
	p *Persistence
}

func definitionFileName(name string, version int) string {
	return fmt.Sprintf("%s-v%06d", name, version)
}

func (dr *DefinitionRepository) Save(_ context.Context, definition *models.WorkflowDefinition) error {
	dr.p.mu.Lock()
	defer dr.p.mu.Unlock()

	name := definitionFileName(definition.Name, definition.Version)

	var existing models.WorkflowDefinition
	if err := dr.p.readJSON(definitionsDir, name, &existing); err == nil {
		return fmt.Errorf("%w: %s v%d", persistence.ErrDefinitionExists, definition.Name, definition.Version)
	}

	return dr.p.writeJSON(definitionsDir, name, definition)
}

func (dr *DefinitionRepository) Activate(ctx context.Context, name string, version int) error {
	dr.p.mu.Lock()
	defer dr.p.mu.Unlock()

	versions, err := dr.loadVersions(name)
	if err != nil {
		return err
	}

	if len(versions) == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrDefinitionNotFound, name)
	}

	found := false

	for _, definition := range versions {
		definition.IsActive = definition.Version == version
		if definition.IsActive {
			found = true
		}

		fileName := definitionFileName(definition.Name, definition.Version)
		if err := dr.p.writeJSON(definitionsDir, fileName, definition); err != nil {
			return err
		}
	}

	if !found {
		return fmt.Errorf("%w: %s v%d", persistence.ErrDefinitionNotFound, name, version)
	}

	return nil
}

func (dr *DefinitionRepository) ActiveByName(_ context.Context, name string) (*models.WorkflowDefinition, error) {
	dr.p.mu.Lock()
	defer dr.p.mu.Unlock()

	versions, err := dr.loadVersions(name)
	if err != nil {
		return nil, err
	}

	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", persistence.ErrDefinitionNotFound, name)
	}

	for _, definition := range versions {
		if definition.IsActive {
			return definition, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", persistence.ErrNoActiveDefinition, name)
}

func (dr *DefinitionRepository) ByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	dr.p.mu.Lock()
	defer dr.p.mu.Unlock()

	names, err := dr.p.listJSON(definitionsDir)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		var definition models.WorkflowDefinition
		if err := dr.p.readJSON(definitionsDir, name, &definition); err != nil {
			return nil, err
		}

		if definition.ID == id {
			return &definition, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", persistence.ErrDefinitionNotFound, id)
}

func (dr *DefinitionRepository) Versions(_ context.Context, name string) ([]*models.WorkflowDefinition, error) {
	dr.p.mu.Lock()
	defer dr.p.mu.Unlock()

	return dr.loadVersions(name)
}

// loadVersions returns every stored version of the named definition, oldest first.
// Callers hold the persistence mutex.
func (dr *DefinitionRepository) loadVersions(name string) ([]*models.WorkflowDefinition, error) {
	fileNames, err := dr.p.listJSON(definitionsDir)
	if err != nil {
		return nil, err
	}

	var versions []*models.WorkflowDefinition

	for _, fileName := range fileNames {
		var definition models.WorkflowDefinition
		if err := dr.p.readJSON(definitionsDir, fileName, &definition); err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, err
		}

		if definition.Name == name {
			versions = append(versions, &definition)
		}
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version < versions[j].Version
	})

	return versions, nil
}
