package queue

import (
	"context"
	"fmt"

	"go.stepflow.dev/internal/config"
)

// New creates the queue driver selected by QUEUE_DRIVER.
func New(ctx context.Context, cfg config.QueueConfig) (Driver, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return NewMemoryDriver(), nil

	case config.DriverRedis:
		driver, err := NewRedisDriver(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis queue driver: %w", err)
		}
		return driver, nil

	case config.DriverPostgres:
		driver, err := NewPostgresDriver(ctx, cfg.DatabaseURL, PostgresDriverConfig{
			PollInterval: cfg.PollInterval,
			LockDuration: cfg.LockDuration,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres queue driver: %w", err)
		}
		return driver, nil

	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}
