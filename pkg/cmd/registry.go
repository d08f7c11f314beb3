package cmd

import (
	"context"
	"log/slog"

	"github.com/orcha-dev/orcha/pkg/agents/echo"
	"github.com/orcha-dev/orcha/pkg/agents/httpcall"
	"github.com/orcha-dev/orcha/pkg/agents/transform"
	"github.com/orcha-dev/orcha/pkg/registry"
)

func registerAgentPlugins(reg *registry.Registry, pluginsPath string) {
	agentPlugins, err := reg.LoadAgentPlugins(pluginsPath)
	if err != nil {
		panic(err)
	}

	for _, plugin := range agentPlugins {
		reg.RegisterAgent(plugin)
	}
}

func registerNativeAgents(reg *registry.Registry) {
	reg.RegisterAgent(httpcall.NewFactory())
	reg.RegisterAgent(transform.NewFactory())
	reg.RegisterAgent(echo.NewFactory())
}

func NewRegistry(_ context.Context, log *slog.Logger, pluginsPath string) *registry.Registry {
	reg := registry.NewRegistry(log)

	if pluginsPath != "" {
		registerAgentPlugins(reg, pluginsPath)
	}

	registerNativeAgents(reg)

	return reg
}
