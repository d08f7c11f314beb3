package registry_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcha-dev/orcha/pkg/agent"
	"github.com/orcha-dev/orcha/pkg/registry"
)

func taggingAgent(tag string) agent.Func {
	return func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"served_by": tag}, nil
	}
}

func TestRegistry_CreateAgent(t *testing.T) {
	reg := registry.NewRegistry(slog.Default())
	reg.RegisterAgent(agent.FuncFactory("billing.charge", taggingAgent("primary")))

	created, err := reg.CreateAgent("billing.charge", nil)
	require.NoError(t, err)

	output, err := created.Invoke(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "primary", output["served_by"])
}

func TestRegistry_FirstRegistrationWins(t *testing.T) {
	reg := registry.NewRegistry(slog.Default())
	reg.RegisterAgent(agent.FuncFactory("billing.charge", taggingAgent("primary")))
	reg.RegisterAgent(agent.FuncFactory("billing.charge", taggingAgent("secondary")))

	created, err := reg.CreateAgent("billing.charge", nil)
	require.NoError(t, err)

	output, err := created.Invoke(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "primary", output["served_by"])
}

func TestRegistry_UnknownCapability(t *testing.T) {
	reg := registry.NewRegistry(slog.Default())

	_, err := reg.CreateAgent("no.such.capability", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestRegistry_Capabilities(t *testing.T) {
	reg := registry.NewRegistry(slog.Default())

	assert.False(t, reg.HasCapability("billing.charge"))

	reg.RegisterAgent(agent.FuncFactory("billing.charge", taggingAgent("a")))
	reg.RegisterAgent(agent.FuncFactory("billing.refund", taggingAgent("b")))

	assert.True(t, reg.HasCapability("billing.charge"))
	assert.ElementsMatch(t, []string{"billing.charge", "billing.refund"}, reg.Capabilities())
}

func TestLoadAgentPlugins_MissingDirectory(t *testing.T) {
	reg := registry.NewRegistry(slog.Default())

	// Glob over a nonexistent directory matches nothing rather than failing, so an
	// empty plugins tree is not an error.
	factories, err := reg.LoadAgentPlugins(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, factories)
}
