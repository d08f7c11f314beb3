package httpcall_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcha-dev/orcha/pkg/agent"
	"github.com/orcha-dev/orcha/pkg/agents/httpcall"
)

func newAgent(t *testing.T) agent.Agent {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := httpcall.NewFactory().Create(nil, logger)
	require.NoError(t, err)

	return a
}

func TestInvoke_DecodesJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"amount": 42}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"charge_id": "c-1"}`))
	}))
	defer server.Close()

	output, err := newAgent(t).Invoke(context.Background(), map[string]any{
		"url":    server.URL,
		"method": "post",
		"body":   `{"amount": 42}`,
		"headers": map[string]any{
			"Content-Type": "application/json",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 200, output["status_code"])
	assert.Equal(t, map[string]any{"charge_id": "c-1"}, output["body"])
}

func TestInvoke_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	output, err := newAgent(t).Invoke(context.Background(), map[string]any{"url": server.URL})
	require.Error(t, err)
	assert.True(t, agent.IsTransient(err))
	assert.Equal(t, http.StatusBadGateway, output["status_code"])
}

func TestInvoke_ClientErrorIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	_, err := newAgent(t).Invoke(context.Background(), map[string]any{"url": server.URL})
	require.Error(t, err)
	assert.True(t, agent.IsFatal(err))
}

func TestInvoke_ConnectionRefusedIsTransient(t *testing.T) {
	_, err := newAgent(t).Invoke(context.Background(), map[string]any{
		"url": "http://127.0.0.1:1/unreachable",
	})
	require.Error(t, err)
	assert.True(t, agent.IsTransient(err))
}

func TestInvoke_MissingURLIsFatal(t *testing.T) {
	_, err := newAgent(t).Invoke(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.True(t, agent.IsFatal(err))
}

func TestInvoke_NonJSONBodyPassedThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer server.Close()

	output, err := newAgent(t).Invoke(context.Background(), map[string]any{"url": server.URL})
	require.NoError(t, err)
	assert.Equal(t, "plain text", output["body"])
}
