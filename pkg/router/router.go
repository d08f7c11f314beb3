// Package router resolves a stage's required capability to a concrete agent,
// consulting the circuit breaker before every dispatch.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/orcha-dev/orcha/pkg/agent"
	"github.com/orcha-dev/orcha/pkg/breaker"
	"github.com/orcha-dev/orcha/pkg/registry"
)

// Router is the single path between the engine and agents. Routing is deterministic
// for a given capability; the breaker consultation happens before the agent is even
// instantiated so an OPEN circuit costs nothing.
type Router struct {
	registry *registry.Registry
	breaker  *breaker.Breaker
	logger   *slog.Logger
}

func New(reg *registry.Registry, brk *breaker.Breaker, logger *slog.Logger) *Router {
	return &Router{
		registry: reg,
		breaker:  brk,
		logger:   logger.With("module", "router"),
	}
}

// Resolve returns an agent handle for the capability, or a breaker.OpenError when the
// circuit refuses the dispatch. Callers treat the refusal as a transient failure
// eligible for the execution-level retry policy, never as agent-level retry. The config
// is the stage's config block, handed to the agent factory.
func (r *Router) Resolve(ctx context.Context, capability string, config map[string]any) (agent.Agent, error) {
	if err := r.breaker.Allow(ctx, capability); err != nil {
		r.logger.WarnContext(ctx, "Dispatch refused by circuit breaker",
			"capability", capability,
			"error", err,
		)

		return nil, err
	}

	handle, err := r.registry.CreateAgent(capability, config)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve capability %q: %w", capability, err)
	}

	return handle, nil
}

// Report records a dispatch outcome with the breaker. Circuit-open refusals never
// reach an agent, so they are not reported.
func (r *Router) Report(ctx context.Context, capability string, invokeErr error) {
	var err error
	if invokeErr != nil {
		err = r.breaker.RecordFailure(ctx, capability)
	} else {
		err = r.breaker.RecordSuccess(ctx, capability)
	}

	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to record dispatch outcome",
			"capability", capability,
			"error", err,
		)
	}
}

// IsCircuitOpen reports whether err is a fail-fast breaker refusal.
func IsCircuitOpen(err error) bool {
	var openErr *breaker.OpenError

	return errors.As(err, &openErr)
}
