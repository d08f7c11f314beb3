// Package agent defines the dispatch boundary between the orchestrator and the
// autonomous worker units it drives. An agent is an opaque callable tagged with a
// capability; the orchestrator never inspects what happens inside Invoke.
package agent

import (
	"context"
	"log/slog"
)

// Agent performs one unit of work. Input and output are copies; agents never mutate
// orchestrator state directly.
type Agent interface {
	Invoke(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Factory creates agent instances for one capability, following the registry/factory
// protocol used throughout the codebase.
type Factory interface {
	Capability() string
	Create(config map[string]any, logger *slog.Logger) (Agent, error)
}

// Func adapts a plain function to the Agent interface.
type Func func(ctx context.Context, input map[string]any) (map[string]any, error)

func (f Func) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f(ctx, input)
}

// FuncFactory wraps a Func as a Factory for the given capability.
func FuncFactory(capability string, fn Func) Factory {
	return &funcFactory{capability: capability, fn: fn}
}

type funcFactory struct {
	capability string
	fn         Func
}

func (f *funcFactory) Capability() string { return f.capability }

func (f *funcFactory) Create(_ map[string]any, _ *slog.Logger) (Agent, error) {
	return f.fn, nil
}
