package persistence

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/dealroom-service/internal/config"
)

// Redis wraps the go-redis client shared by the event broker and the
// notification ledger.
type Redis struct {
	Client *redis.Client
	prefix string
}

// NewRedis connects to Redis. An unreachable server is logged, not fatal;
// the broker retries its subscriptions until Redis comes back.
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("unable to reach redis", zap.String("addr", cfg.Addr), zap.Error(err))
	} else {
		logger.Info("connected to redis", zap.String("addr", cfg.Addr))
	}

	return &Redis{Client: client, prefix: cfg.TopicPrefix}
}

// Prefix is the namespace prepended to every key and channel.
func (r *Redis) Prefix() string {
	if r == nil || r.prefix == "" {
		return "dealroom"
	}
	return r.prefix
}

// Close closes the client.
func (r *Redis) Close() {
	if r != nil && r.Client != nil {
		_ = r.Client.Close()
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return ErrNotConfigured
	}
	return r.Client.Ping(ctx).Err()
}
