package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type ClientOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int
	// DialTimeout also bounds the initial ping and schema migration.
	DialTimeout time.Duration
}

// NewRedisClient returns a client that has answered a ping and whose key
// schema is current. The same client serves the session store, the
// distributed locks and the fan-out bus.
func NewRedisClient(ctx context.Context, opts ClientOptions, logger *zap.SugaredLogger) (*redis.Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", opts.Address, err)
	}
	if err := Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to migrate redis schema: %w", err)
	}

	logger.Infow("connected to redis", "address", opts.Address, "db", opts.DB)
	return client, nil
}
