package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
)

// definitionSchema is the document-shape gate applied before the typed model is even
// built; structural DAG rules (cycles, joins, dangling edges) are checked afterwards
// on the model.
var definitionSchema = map[string]any{
	"type":     "object",
	"required": []any{"name", "stages"},
	"properties": map[string]any{
		"name": map[string]any{"type": "string", "minLength": 3},
		"stages": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":     "object",
				"required": []any{"id", "capability"},
				"properties": map[string]any{
					"id":               map[string]any{"type": "string", "minLength": 1},
					"capability":       map[string]any{"type": "string", "minLength": 1},
					"compensation_ref": map[string]any{"type": "string"},
					"max_attempts":     map[string]any{"type": "integer", "minimum": 1},
					"join":             map[string]any{"type": "string", "enum": []any{"all"}},
				},
			},
		},
		"edges": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"from", "to"},
				"properties": map[string]any{
					"from": map[string]any{"type": "string", "minLength": 1},
					"to":   map[string]any{"type": "string", "minLength": 1},
				},
			},
		},
	},
}

// Definition registers and serves versioned workflow definitions.
type Definition struct {
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewDefinition(persist persistence.Persistence) *Definition {
	return &Definition{
		persistence: persist,
		validator:   validator.New(),
	}
}

// ValidateDocument checks a raw definition document against the JSON schema. Called by
// the web layer before decoding into the typed model.
func (s *Definition) ValidateDocument(document map[string]any) error {
	schemaLoader := gojsonschema.NewGoLoader(definitionSchema)
	dataLoader := gojsonschema.NewGoLoader(document)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}

	if !result.Valid() {
		var descriptions []string
		for _, desc := range result.Errors() {
			descriptions = append(descriptions, desc.String())
		}

		return NewValidationError(
			"ValidateDocument",
			"INVALID_DOCUMENT",
			strings.Join(descriptions, "; "),
			ErrInvalidDefinition,
		)
	}

	return nil
}

// Register stores a new version of the definition and activates it. The version number
// is assigned, not client-controlled: one past the highest stored version of the name.
// Validation is synchronous: a definition that registers is a definition that can run.
// Struct tags are checked first, then the structural DAG invariants.
func (s *Definition) Register(ctx context.Context, definition *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if definition == nil {
		return nil, ErrDefinitionNil
	}

	definition.ID = uuid.New().String()
	definition.CreatedAt = time.Now().UTC()

	versions, err := s.persistence.Definitions().Versions(ctx, definition.Name)
	if err != nil && !persistence.IsNotFound(err) {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	next := 1
	for _, version := range versions {
		if version.Version >= next {
			next = version.Version + 1
		}
	}

	definition.Version = next

	if err := s.validator.Struct(definition); err != nil {
		return nil, NewValidationError("Register", "INVALID_FIELDS", err.Error(), ErrInvalidDefinition)
	}

	if err := definition.Validate(); err != nil {
		return nil, NewValidationError("Register", "INVALID_DAG", err.Error(), ErrInvalidDefinition)
	}

	if err := s.persistence.Definitions().Save(ctx, definition); err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}

	if err := s.persistence.Definitions().Activate(ctx, definition.Name, definition.Version); err != nil {
		return nil, fmt.Errorf("failed to activate definition: %w", err)
	}

	definition.IsActive = true

	return definition, nil
}

// Active returns the currently active version of the named definition.
func (s *Definition) Active(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	return s.persistence.Definitions().ActiveByName(ctx, name)
}

// Versions returns every stored version of the named definition.
func (s *Definition) Versions(ctx context.Context, name string) ([]*models.WorkflowDefinition, error) {
	return s.persistence.Definitions().Versions(ctx, name)
}

// HealthCheck reports the persistence layer's health for the liveness endpoint.
func (s *Definition) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	if err := s.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}
