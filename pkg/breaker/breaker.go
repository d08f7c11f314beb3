package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
)

// Config carries the breaker thresholds. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	FailureThreshold         int           `json:"failure_threshold"`           // CLOSED -> OPEN after this many failures in the window
	TrackingWindow           time.Duration `json:"tracking_window"`             // Failures further apart than this reset the count
	ResetTimeout             time.Duration `json:"reset_timeout"`               // OPEN -> HALF_OPEN after this much time
	HalfOpenSuccessThreshold int           `json:"half_open_success_threshold"` // HALF_OPEN -> CLOSED after this many successes
	ProbeTimeout             time.Duration `json:"probe_timeout"`               // A claimed probe older than this is reclaimable
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		TrackingWindow:           60 * time.Second,
		ResetTimeout:             60 * time.Second,
		HalfOpenSuccessThreshold: 2,
		ProbeTimeout:             60 * time.Second,
	}
}

// OpenError is returned by Allow when the dispatch must fail fast without reaching the
// agent. The stage-retry layer treats it as transient: a later attempt may find the
// breaker HALF_OPEN or CLOSED.
type OpenError struct {
	Capability string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit open for capability %s, retry after %s", e.Capability, e.RetryAfter)
	}

	return fmt.Sprintf("circuit open for capability %s: probe in flight", e.Capability)
}

// casAttempts bounds the optimistic retry loop when concurrent writers race on the
// same capability row.
const casAttempts = 5

// Breaker drives the CLOSED/OPEN/HALF_OPEN state machine for every capability, reading
// and conditionally writing rows in its Store.
type Breaker struct {
	store  Store
	config Config
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, config Config, logger *slog.Logger) *Breaker {
	return &Breaker{
		store:  store,
		config: config,
		logger: logger.With("module", "breaker"),
		now:    time.Now,
	}
}

// Allow reports whether a dispatch for the capability may proceed. CLOSED always
// admits. OPEN fails fast until ResetTimeout has elapsed, at which point the next call
// transitions to HALF_OPEN and claims the single probe slot. HALF_OPEN admits exactly
// one in-flight probe; concurrent callers fail fast instead of sending duplicates. A
// probe claim older than ProbeTimeout belongs to a caller that died before reporting
// an outcome and is reclaimed by the next Allow.
func (b *Breaker) Allow(ctx context.Context, capability string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		state, err := b.store.Get(ctx, capability)
		if err != nil {
			return fmt.Errorf("failed to load breaker state for %s: %w", capability, err)
		}

		switch state.State {
		case models.BreakerClosed:
			return nil

		case models.BreakerOpen:
			elapsed := b.config.ResetTimeout
			if state.OpenedAt != nil {
				elapsed = b.now().Sub(*state.OpenedAt)
			}

			if elapsed < b.config.ResetTimeout {
				return &OpenError{Capability: capability, RetryAfter: b.config.ResetTimeout - elapsed}
			}

			claimedAt := b.now().UTC()
			state.State = models.BreakerHalfOpen
			state.ProbeInFlight = true
			state.ProbeClaimedAt = &claimedAt
			state.HalfOpenSuccesses = 0

			err = b.store.CompareAndSwap(ctx, state)
			if persistence.IsVersionConflict(err) {
				continue
			}

			if err != nil {
				return err
			}

			b.logState(ctx, capability, models.BreakerOpen, models.BreakerHalfOpen, "reset timeout elapsed")

			return nil

		case models.BreakerHalfOpen:
			if state.ProbeInFlight {
				if state.ProbeClaimedAt != nil && b.now().Sub(*state.ProbeClaimedAt) < b.config.ProbeTimeout {
					return &OpenError{Capability: capability}
				}

				// The claim outlived ProbeTimeout without a reported outcome, so
				// the claiming process is gone. Take over the slot.
				b.logger.WarnContext(ctx, "Reclaiming expired probe claim",
					"capability", capability,
					"claimed_at", state.ProbeClaimedAt,
				)
			}

			claimedAt := b.now().UTC()
			state.ProbeInFlight = true
			state.ProbeClaimedAt = &claimedAt

			err = b.store.CompareAndSwap(ctx, state)
			if persistence.IsVersionConflict(err) {
				continue
			}

			if err != nil {
				return err
			}

			return nil
		}
	}

	return fmt.Errorf("failed to update breaker state for %s: %w", capability, persistence.ErrVersionConflict)
}

// RecordSuccess feeds a successful dispatch outcome back into the state machine.
func (b *Breaker) RecordSuccess(ctx context.Context, capability string) error {
	return b.update(ctx, capability, func(state *models.CircuitBreakerState) {
		switch state.State {
		case models.BreakerClosed:
			state.FailureCount = 0

		case models.BreakerHalfOpen:
			state.ProbeInFlight = false
			state.ProbeClaimedAt = nil
			state.HalfOpenSuccesses++

			if state.HalfOpenSuccesses >= b.config.HalfOpenSuccessThreshold {
				b.logState(ctx, capability, state.State, models.BreakerClosed,
					fmt.Sprintf("%d consecutive successes in half-open", state.HalfOpenSuccesses))

				state.State = models.BreakerClosed
				state.FailureCount = 0
				state.HalfOpenSuccesses = 0
				state.OpenedAt = nil
			}
		}
	})
}

// RecordFailure feeds a failed dispatch outcome back into the state machine. Any
// failure while HALF_OPEN reopens immediately; CLOSED trips to OPEN once
// FailureThreshold failures accumulate within the tracking window.
func (b *Breaker) RecordFailure(ctx context.Context, capability string) error {
	return b.update(ctx, capability, func(state *models.CircuitBreakerState) {
		now := b.now().UTC()

		switch state.State {
		case models.BreakerClosed:
			if !state.LastFailureAt.IsZero() && now.Sub(state.LastFailureAt) > b.config.TrackingWindow {
				state.FailureCount = 0
			}

			state.FailureCount++
			state.LastFailureAt = now

			if state.FailureCount >= b.config.FailureThreshold {
				b.logState(ctx, capability, state.State, models.BreakerOpen,
					fmt.Sprintf("%d failures within window", state.FailureCount))

				state.State = models.BreakerOpen
				state.OpenedAt = &now
			}

		case models.BreakerHalfOpen:
			b.logState(ctx, capability, state.State, models.BreakerOpen, "failure in half-open")

			state.State = models.BreakerOpen
			state.ProbeInFlight = false
			state.ProbeClaimedAt = nil
			state.HalfOpenSuccesses = 0
			state.FailureCount++
			state.LastFailureAt = now
			state.OpenedAt = &now

		case models.BreakerOpen:
			state.FailureCount++
			state.LastFailureAt = now
		}
	})
}

// State returns the current breaker row for a capability.
func (b *Breaker) State(ctx context.Context, capability string) (*models.CircuitBreakerState, error) {
	return b.store.Get(ctx, capability)
}

// update applies mutate under the optimistic CAS loop.
func (b *Breaker) update(ctx context.Context, capability string, mutate func(*models.CircuitBreakerState)) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		state, err := b.store.Get(ctx, capability)
		if err != nil {
			return fmt.Errorf("failed to load breaker state for %s: %w", capability, err)
		}

		mutate(state)

		err = b.store.CompareAndSwap(ctx, state)
		if persistence.IsVersionConflict(err) {
			continue
		}

		return err
	}

	return fmt.Errorf("failed to update breaker state for %s: %w", capability, persistence.ErrVersionConflict)
}

func (b *Breaker) logState(ctx context.Context, capability string, from, to models.BreakerState, reason string) {
	b.logger.InfoContext(ctx, "Circuit breaker state change",
		"capability", capability,
		"from", string(from),
		"to", string(to),
		"reason", reason,
	)
}
