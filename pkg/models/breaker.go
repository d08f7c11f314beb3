package models

import "time"

// BreakerState is the circuit breaker state machine position for one capability.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerState is the persisted breaker row for one capability. It is scoped per
// capability so a failing agent never blocks unrelated capabilities, and it lives in a
// compare-and-swap store rather than process memory so every engine replica observes
// the same breaker position.
type CircuitBreakerState struct {
	Capability        string       `json:"capability"`
	State             BreakerState `json:"state"`
	FailureCount      int          `json:"failure_count"`
	HalfOpenSuccesses int          `json:"half_open_successes"`
	ProbeInFlight     bool         `json:"probe_in_flight"` // HALF_OPEN admits exactly one probe
	ProbeClaimedAt    *time.Time   `json:"probe_claimed_at,omitempty"`
	LastFailureAt     time.Time    `json:"last_failure_at"`
	OpenedAt          *time.Time   `json:"opened_at,omitempty"`
	Version           int64        `json:"version"`
}

// NewCircuitBreakerState returns the initial CLOSED state for a capability.
func NewCircuitBreakerState(capability string) *CircuitBreakerState {
	return &CircuitBreakerState{
		Capability: capability,
		State:      BreakerClosed,
	}
}
