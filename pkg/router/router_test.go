package router_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcha-dev/orcha/pkg/agent"
	"github.com/orcha-dev/orcha/pkg/breaker"
	"github.com/orcha-dev/orcha/pkg/registry"
	"github.com/orcha-dev/orcha/pkg/router"
)

func newRouter(t *testing.T) (*router.Router, *breaker.Breaker) {
	t.Helper()

	logger := slog.Default()
	reg := registry.NewRegistry(logger)
	reg.RegisterAgent(agent.FuncFactory("payments.charge", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"charged": true}, nil
	}))

	brk := breaker.New(breaker.NewMemoryStore(), breaker.DefaultConfig(), logger)

	return router.New(reg, brk, logger), brk
}

func TestRouter_ResolveKnownCapability(t *testing.T) {
	r, _ := newRouter(t)

	handle, err := r.Resolve(context.Background(), "payments.charge", nil)
	require.NoError(t, err)

	output, err := handle.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"charged": true}, output)
}

func TestRouter_ResolveUnknownCapability(t *testing.T) {
	r, _ := newRouter(t)

	_, err := r.Resolve(context.Background(), "inventory.reserve", nil)
	require.Error(t, err)
	assert.False(t, router.IsCircuitOpen(err))
}

func TestRouter_ResolveRefusedWhenCircuitOpen(t *testing.T) {
	r, brk := newRouter(t)
	ctx := context.Background()

	for range breaker.DefaultConfig().FailureThreshold {
		require.NoError(t, brk.RecordFailure(ctx, "payments.charge"))
	}

	_, err := r.Resolve(ctx, "payments.charge", nil)
	require.Error(t, err)
	assert.True(t, router.IsCircuitOpen(err))
}

func TestRouter_ReportFailureTripsBreaker(t *testing.T) {
	r, _ := newRouter(t)
	ctx := context.Background()

	for range breaker.DefaultConfig().FailureThreshold {
		r.Report(ctx, "payments.charge", errors.New("downstream timeout"))
	}

	_, err := r.Resolve(ctx, "payments.charge", nil)
	assert.True(t, router.IsCircuitOpen(err))
}

func TestIsCircuitOpen_PlainError(t *testing.T) {
	assert.False(t, router.IsCircuitOpen(errors.New("boom")))
}
