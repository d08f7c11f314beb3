// Package transform provides the built-in agent that reshapes stage data with Go
// template expressions, so a definition can adapt one stage's output to the input the
// next capability expects without custom code.
package transform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/orcha-dev/orcha/pkg/agent"
	"github.com/orcha-dev/orcha/pkg/template"
)

const Capability = "data.transform"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (*Factory) Capability() string {
	return Capability
}

func (f *Factory) Create(config map[string]any, logger *slog.Logger) (agent.Agent, error) {
	expressions, err := parseExpressions(config)
	if err != nil {
		return nil, err
	}

	return &Agent{
		expressions: expressions,
		logger:      logger.With("agent", "transform"),
	}, nil
}

// parseExpressions reads the output field -> template expression map from config.
func parseExpressions(config map[string]any) (map[string]string, error) {
	raw, ok := config["expressions"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("transform: expressions config is required")
	}

	expressions := make(map[string]string, len(raw))

	for field, value := range raw {
		expression, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("transform: expression for %q must be a string", field)
		}

		expressions[field] = expression
	}

	return expressions, nil
}

type Agent struct {
	expressions map[string]string
	logger      *slog.Logger
}

// Invoke renders each configured expression against the stage input and returns the
// results keyed by output field. A template that fails to render is a definition bug,
// not a downstream outage, so the error is fatal rather than retried.
func (a *Agent) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	output := make(map[string]any, len(a.expressions))

	for field, expression := range a.expressions {
		value, err := template.Render(expression, input)
		if err != nil {
			return nil, agent.Fatal(fmt.Errorf("transform: field %q: %w", field, err))
		}

		output[field] = value
	}

	a.logger.DebugContext(ctx, "Transform completed", "fields", len(output))

	return output, nil
}
