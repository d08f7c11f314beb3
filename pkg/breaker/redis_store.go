package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/persistence"
)

const redisKeyPrefix = "orcha:breaker:"

// RedisStore keeps breaker rows in Redis so multiple engine replicas share one breaker
// position per capability. The conditional write uses WATCH-based optimistic locking:
// a concurrent writer aborts the transaction, which surfaces as a version conflict.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (rs *RedisStore) key(capability string) string {
	return redisKeyPrefix + capability
}

func (rs *RedisStore) Get(ctx context.Context, capability string) (*models.CircuitBreakerState, error) {
	payload, err := rs.client.Get(ctx, rs.key(capability)).Result()
	if errors.Is(err, redis.Nil) {
		return models.NewCircuitBreakerState(capability), nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read breaker state for %s: %w", capability, err)
	}

	var state models.CircuitBreakerState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("failed to decode breaker state for %s: %w", capability, err)
	}

	return &state, nil
}

func (rs *RedisStore) CompareAndSwap(ctx context.Context, state *models.CircuitBreakerState) error {
	key := rs.key(state.Capability)

	err := rs.client.Watch(ctx, func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Result()

		var storedVersion int64

		switch {
		case errors.Is(err, redis.Nil):
			storedVersion = 0
		case err != nil:
			return fmt.Errorf("failed to read breaker state for %s: %w", state.Capability, err)
		default:
			var stored models.CircuitBreakerState
			if err := json.Unmarshal([]byte(payload), &stored); err != nil {
				return fmt.Errorf("failed to decode breaker state for %s: %w", state.Capability, err)
			}

			storedVersion = stored.Version
		}

		if storedVersion != state.Version {
			return persistence.ErrVersionConflict
		}

		state.Version++

		encoded, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to encode breaker state for %s: %w", state.Capability, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)

			return nil
		})

		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return persistence.ErrVersionConflict
	}

	return err
}
