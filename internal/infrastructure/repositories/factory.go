package repositories

import (
	"context"

	"callcore/internal/core/ports"
	"callcore/internal/infrastructure/repositories/memory"
	pgrepo "callcore/internal/infrastructure/repositories/postgres"
	redisrepo "callcore/internal/infrastructure/repositories/redis"
	"callcore/pkg/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories. History goes to Postgres, then
// Redis, then memory, skipping any backend that is disabled or unreachable.
// The Redis client stays available for the event bus even when Postgres
// holds the history.
type RepositoryFactory struct {
	redisClient *redis.Client
	pgPool      *pgxpool.Pool
	maxRecords  int
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		maxRecords: cfg.History.MaxRecords,
		logger:     logger,
	}

	if cfg.Postgres.Enabled {
		pool, err := pgrepo.NewPool(ctx, pgrepo.PoolOptions{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Postgres, trying the next history store", "error", err)
		} else {
			factory.pgPool = pool
		}
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
		} else {
			factory.redisClient = client
		}
	}

	logger.Infow("call history store selected", "store", factory.store())
	return factory
}

func (f *RepositoryFactory) store() string {
	switch {
	case f.pgPool != nil:
		return "postgres"
	case f.redisClient != nil:
		return "redis"
	}
	return "memory"
}

func (f *RepositoryFactory) CreateCallHistoryRepository() ports.CallHistoryRepository {
	switch {
	case f.pgPool != nil:
		return pgrepo.NewPostgresCallHistoryRepository(f.pgPool, f.maxRecords)
	case f.redisClient != nil:
		return redisrepo.NewRedisCallHistoryRepository(f.redisClient, f.maxRecords)
	}
	return memory.NewMemoryCallHistoryRepository(f.maxRecords)
}

// Persistent reports whether history survives a restart.
func (f *RepositoryFactory) Persistent() bool {
	return f.store() != "memory"
}

// RedisClient returns the shared client, or nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// PostgresPool returns the history pool, or nil when Postgres is not in use.
func (f *RepositoryFactory) PostgresPool() *pgxpool.Pool {
	return f.pgPool
}

func (f *RepositoryFactory) Close() error {
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	return redisrepo.CloseRedisClient(f.redisClient)
}
