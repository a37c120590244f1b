package bootstrap

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/gosplit/internal/config"
	"github.com/jonesrussell/gosplit/internal/events"
	"github.com/jonesrussell/gosplit/internal/logger"
	"github.com/jonesrussell/gosplit/internal/store"
)

// SetupRedis creates and verifies the Redis connection backing the engine.
func SetupRedis(cfg *config.Config, log logger.Logger) (*redis.Client, error) {
	client, err := store.NewRedisClient(store.Config{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	log.Info("Connected to Redis",
		logger.String("redis_address", cfg.Redis.Address),
		logger.Int("redis_db", cfg.Redis.DB),
	)
	return client, nil
}

// NewStore wraps the Redis client in the engine's store interface.
func NewStore(client *redis.Client) store.Store {
	return store.NewRedis(client)
}

// SetupEventPublisher creates an optional lifecycle event publisher.
// Returns nil when event publishing is disabled; a nil publisher is a
// safe no-op.
func SetupEventPublisher(cfg *config.Config, client *redis.Client, log logger.Logger) *events.Publisher {
	if !cfg.Redis.Events {
		return nil
	}

	log.Info("Event publisher initialized",
		logger.String("stream", events.StreamName),
	)
	return events.NewPublisher(client, log)
}
