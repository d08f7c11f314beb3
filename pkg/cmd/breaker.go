package cmd

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/orcha-dev/orcha/pkg/breaker"
)

// NewBreakerStore selects where circuit breaker rows live. A Redis URL shares breaker
// positions across replicas; an empty URL keeps them in process memory, which is only
// correct for single-node deployments.
func NewBreakerStore(redisURL string) breaker.Store {
	if redisURL == "" {
		return breaker.NewMemoryStore()
	}

	options, err := redis.ParseURL(redisURL)
	if err != nil {
		panic(fmt.Errorf("invalid Redis URL: %w", err))
	}

	return breaker.NewRedisStore(redis.NewClient(options))
}
