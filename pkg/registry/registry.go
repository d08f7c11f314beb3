// Package registry maps capability names to the agent factories that can serve them.
package registry

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"sync"

	"github.com/orcha-dev/orcha/pkg/agent"
)

// Registry resolves a capability string to an agent. Multiple agents may register the
// same capability; resolution is deterministic, the first registration wins in this
// baseline design.
type Registry struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	factories map[string][]agent.Factory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[string][]agent.Factory),
	}
}

// LoadAgentPlugins loads agent factories from shared objects under
// <pluginsPath>/agents. Each plugin must export an `Agent` symbol that
// satisfies agent.Factory.
func (r *Registry) LoadAgentPlugins(pluginsPath string) ([]agent.Factory, error) {
	rootPath := pluginsPath + "/agents"
	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "**/*.so")
	if err != nil {
		return nil, err
	}

	l := r.logger.With(slog.String("path", pluginsPath))
	l.Info("Loading agent plugins")

	factories := make([]agent.Factory, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		symbol, err := plg.Lookup("Agent")
		if err != nil {
			return nil, fmt.Errorf("plugin %s has no Agent symbol: %w", p, err)
		}

		factory, ok := symbol.(agent.Factory)
		if !ok {
			return nil, fmt.Errorf("plugin %s: Agent symbol is not an agent.Factory", p)
		}

		factories = append(factories, factory)

		l.Info("Loaded agent plugin", slog.String("plugin", p))
	}

	return factories, nil
}

// RegisterAgent adds a factory for its capability.
func (r *Registry) RegisterAgent(factory agent.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capability := factory.Capability()
	r.factories[capability] = append(r.factories[capability], factory)

	r.logger.Debug("Registered agent factory",
		"capability", capability,
		"providers", len(r.factories[capability]),
	)
}

// CreateAgent instantiates an agent for the capability.
func (r *Registry) CreateAgent(capability string, config map[string]any) (agent.Agent, error) {
	r.mu.RLock()
	factories := r.factories[capability]
	r.mu.RUnlock()

	if len(factories) == 0 {
		return nil, fmt.Errorf("capability %q not registered", capability)
	}

	return factories[0].Create(config, r.logger.With("capability", capability))
}

// HasCapability reports whether at least one agent offers the capability.
func (r *Registry) HasCapability(capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.factories[capability]) > 0
}

// Capabilities returns every registered capability name.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	capabilities := make([]string, 0, len(r.factories))
	for capability := range r.factories {
		capabilities = append(capabilities, capability)
	}

	return capabilities
}
