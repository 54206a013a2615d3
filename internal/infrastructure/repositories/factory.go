package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"callmesh/internal/core/ports"
	"callmesh/internal/infrastructure/repositories/memory"
	"callmesh/internal/infrastructure/repositories/postgres"
	redisrepo "callmesh/internal/infrastructure/repositories/redis"
	"callmesh/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// RepositoryFactory owns the store connections selected by configuration.
// An unreachable redis store degrades to memory; postgres does not.
type RepositoryFactory struct {
	backend     string
	repo        ports.SessionRepository
	redisClient *redis.Client
	db          *sql.DB
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	f := &RepositoryFactory{backend: cfg.Store.Backend, logger: logger}

	if cfg.Store.Backend == BackendRedis || cfg.Presence.Mode == "redis" {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis", "address", cfg.Redis.Address, "error", err)
		} else {
			f.redisClient = client
		}
	}

	switch cfg.Store.Backend {
	case BackendRedis:
		if f.redisClient == nil {
			logger.Warn("falling back to memory session store")
			f.backend = BackendMemory
			f.repo = memory.NewMemorySessionRepository()
			break
		}
		f.repo = redisrepo.NewRedisSessionRepository(f.redisClient, cfg.Store.LockTTL, cfg.Store.EndedTTL)

	case BackendPostgres:
		db, err := postgres.Open(ctx, postgres.Options{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			ConnectAttempts: cfg.Postgres.ConnectAttempts,
		}, logger)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open postgres session store: %w", err)
		}
		f.db = db
		f.repo = postgres.NewPostgresSessionRepository(db)

	case BackendMemory:
		f.repo = memory.NewMemorySessionRepository()

	default:
		f.Close()
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	logger.Infow("session store ready", "backend", f.backend)
	return f, nil
}

func (f *RepositoryFactory) SessionRepository() ports.SessionRepository {
	return f.repo
}

// Backend is the store actually in use after any fallback.
func (f *RepositoryFactory) Backend() string {
	return f.backend
}

// RedisClient is nil when redis is not configured or unreachable.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	var errs []error
	if f.redisClient != nil {
		errs = append(errs, f.redisClient.Close())
	}
	if f.db != nil {
		errs = append(errs, f.db.Close())
	}
	return errors.Join(errs...)
}
