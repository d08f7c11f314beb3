// Package breaker implements the per-capability circuit breaker as a state machine
// over a compare-and-swap store. Keeping the state in a store rather than process
// memory lets every engine replica observe the same breaker position and survive
// restarts.
package breaker

import (
	"context"
	"sync"

	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
)

// Store holds breaker rows keyed by capability. Get returns a fresh CLOSED state with
// version 0 for unknown capabilities; CompareAndSwap writes only when the stored
// version matches the caller's read, failing with persistence.ErrVersionConflict
// otherwise and bumping the version on success.
type Store interface {
	Get(ctx context.Context, capability string) (*models.CircuitBreakerState, error)
	CompareAndSwap(ctx context.Context, state *models.CircuitBreakerState) error
}

// MemoryStore is the in-process Store used by tests and single-node deployments.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*models.CircuitBreakerState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*models.CircuitBreakerState)}
}

func (ms *MemoryStore) Get(_ context.Context, capability string) (*models.CircuitBreakerState, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stored, ok := ms.states[capability]
	if !ok {
		return models.NewCircuitBreakerState(capability), nil
	}

	copied := *stored

	return &copied, nil
}

func (ms *MemoryStore) CompareAndSwap(_ context.Context, state *models.CircuitBreakerState) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stored, ok := ms.states[state.Capability]

	var storedVersion int64
	if ok {
		storedVersion = stored.Version
	}

	if storedVersion != state.Version {
		return persistence.ErrVersionConflict
	}

	state.Version++
	copied := *state
	ms.states[state.Capability] = &copied

	return nil
}
