package repositories

import (
	"context"

	"roomcast/internal/core/ports"
	"roomcast/internal/infrastructure/reliability"
	"roomcast/internal/infrastructure/repositories/memory"
	redisrepo "roomcast/internal/infrastructure/repositories/redis"
	"roomcast/pkg/circuitbreaker"
	"roomcast/pkg/config"
	"roomcast/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory decides where the room directory lives: Redis when it is
// enabled and reachable, the in-process store otherwise. A failed Redis
// connection degrades to memory instead of refusing to start.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.Connect(
			context.Background(),
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("room directory store unavailable, degrading to memory",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
		}
	}

	if factory.useRedis {
		logger.Info("room directory backed by Redis")
	} else {
		logger.Info("room directory backed by memory")
	}

	return factory, nil
}

// CreateRoomRepository creates the room directory (Redis or memory with
// fallback). The Redis-backed store sits behind a retry/circuit breaker
// wrapper; the in-memory store cannot fail transiently and is returned bare.
func (f *RepositoryFactory) CreateRoomRepository() ports.RoomRepository {
	if f.useRedis && f.redisClient != nil {
		return reliability.NewRoomStoreWrapper(
			redisrepo.NewRedisRoomRepository(f.redisClient),
			retry.DefaultConfig(),
			circuitbreaker.DefaultConfig(),
			f.logger,
		)
	}
	return memory.NewMemoryRoomRepository()
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck pings the durable store. Always healthy on the memory backend.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}

// RedisClient exposes the shared Redis connection for components beyond the
// room directory (event bus, distributed locks). Nil when Redis is disabled
// or unreachable.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}
