package repositories

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peermesh/internal/core/ports"
	"peermesh/internal/infrastructure/reliability"
	"peermesh/internal/infrastructure/repositories/memory"
	redisrepo "peermesh/internal/infrastructure/repositories/redis"
	"peermesh/pkg/circuitbreaker"
	"peermesh/pkg/config"
	"peermesh/pkg/retry"
)

// RepositoryFactory picks the roster backend. An unreachable Redis degrades
// to the in-process store instead of failing startup.
type RepositoryFactory struct {
	redisClient *redis.Client
	roomTTL     time.Duration
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	f := &RepositoryFactory{roomTTL: cfg.Redis.RoomTTL, logger: logger}
	if !cfg.Redis.Enabled {
		logger.Info("Using memory roster store")
		return f
	}

	client, err := redisrepo.Dial(context.Background(), redisrepo.Options{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		logger.Warnw("Redis unavailable, falling back to memory roster store",
			"address", cfg.Redis.Address,
			"error", err,
		)
		return f
	}
	f.redisClient = client
	logger.Infow("Using Redis roster store", "address", cfg.Redis.Address, "room_ttl", cfg.Redis.RoomTTL)
	return f
}

// CreateRosterStore returns the Redis store behind retries and a circuit
// breaker, or a fresh memory store.
func (f *RepositoryFactory) CreateRosterStore() ports.RosterStore {
	if f.redisClient == nil {
		return memory.NewRosterStore()
	}
	store := redisrepo.NewRosterStore(f.redisClient, f.roomTTL)
	return reliability.NewRosterStore(store, retry.DefaultConfig(), circuitbreaker.DefaultConfig(), f.logger)
}

// RedisClient returns the connected client, or nil.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient == nil {
		return nil
	}
	return f.redisClient.Close()
}

// HealthCheck pings Redis when it backs the roster.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient == nil {
		return nil
	}
	return f.redisClient.Ping(ctx).Err()
}
