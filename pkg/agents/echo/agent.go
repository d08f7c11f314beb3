// Package echo provides the built-in diagnostic agent: it logs its input and returns
// it unchanged, useful for smoke-testing a definition before real agents exist.
package echo

import (
	"context"
	"log/slog"

	"github.com/orcha-dev/orcha/pkg/agent"
)

const Capability = "echo"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (*Factory) Capability() string {
	return Capability
}

func (f *Factory) Create(config map[string]any, logger *slog.Logger) (agent.Agent, error) {
	level := slog.LevelInfo
	if text, ok := config["level"].(string); ok {
		_ = level.UnmarshalText([]byte(text))
	}

	return &Agent{
		level:  level,
		logger: logger.With("agent", "echo"),
	}, nil
}

type Agent struct {
	level  slog.Level
	logger *slog.Logger
}

func (a *Agent) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	a.logger.Log(ctx, a.level, "Echo", "input", input)

	return input, nil
}

var _ agent.Agent = (*Agent)(nil)
