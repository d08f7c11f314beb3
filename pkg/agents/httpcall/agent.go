// Package httpcall provides the built-in agent that performs an HTTP request. Its
// error classification maps HTTP semantics onto the retry policy: 5xx and transport
// failures are transient, 4xx are fatal.
package httpcall

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/orcha-dev/orcha/pkg/agent"
)

const Capability = "http.call"

const defaultTimeout = 30 * time.Second

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (*Factory) Capability() string {
	return Capability
}

func (f *Factory) Create(config map[string]any, logger *slog.Logger) (agent.Agent, error) {
	timeout := defaultTimeout
	if seconds, ok := config["timeout_seconds"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	return &Agent{
		client: &http.Client{Timeout: timeout},
		logger: logger.With("agent", "httpcall"),
	}, nil
}

type Agent struct {
	client *http.Client
	logger *slog.Logger
}

// Invoke performs one request described by the input: url (required), method
// (default GET), headers, and body. The response body is decoded as JSON when
// possible, otherwise passed through as a string.
func (a *Agent) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	url, _ := input["url"].(string)
	if url == "" {
		return nil, agent.Fatal(fmt.Errorf("httpcall: url is required"))
	}

	method, _ := input["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader

	if body, ok := input["body"].(string); ok && body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, bodyReader)
	if err != nil {
		return nil, agent.Fatal(fmt.Errorf("httpcall: build request: %w", err))
	}

	if headers, ok := input["headers"].(map[string]any); ok {
		for key, value := range headers {
			if text, ok := value.(string); ok {
				req.Header.Set(key, text)
			}
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, agent.Transient(fmt.Errorf("httpcall: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, agent.Transient(fmt.Errorf("httpcall: read response: %w", err))
	}

	a.logger.InfoContext(ctx, "HTTP call completed",
		"method", req.Method,
		"url", url,
		"status", resp.StatusCode,
	)

	output := map[string]any{
		"status_code": resp.StatusCode,
		"body":        decodeBody(raw),
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return output, agent.Transient(fmt.Errorf("httpcall: server error %d", resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return output, agent.Fatal(fmt.Errorf("httpcall: client error %d", resp.StatusCode))
	}

	return output, nil
}

func decodeBody(raw []byte) any {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}

	return decoded
}
