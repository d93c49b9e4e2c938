package factory

import (
	"context"
	"fmt"

	"codecast/internal/core/ports"
	"codecast/internal/infrastructure/signaling/memory"
	redisdriver "codecast/internal/infrastructure/signaling/redis"
	wsdriver "codecast/internal/infrastructure/signaling/websocket"
	"codecast/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SignalingFactory builds the SignalingClient for a configured driver. A Redis
// backend that cannot be reached falls back to the in-process hub.
type SignalingFactory struct {
	driver      string
	client      ports.SignalingClient
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewSignalingFactory(ctx context.Context, cfg *config.Config, driver string, logger *zap.SugaredLogger) (*SignalingFactory, error) {
	f := &SignalingFactory{driver: driver, logger: logger}

	switch driver {
	case config.SignalingDriverMemory:
		f.client = memory.NewHub()

	case config.SignalingDriverRedis:
		rdb, err := redisdriver.Connect(ctx,
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to in-process signaling",
				"error", err,
			)
			f.driver = config.SignalingDriverMemory
			f.client = memory.NewHub()
			break
		}
		f.redisClient = rdb
		f.client = redisdriver.NewClient(rdb, redisdriver.Options{
			PresenceRefresh: cfg.Redis.PresenceRefresh,
			PresenceTTL:     cfg.Redis.PresenceTTL,
		}, logger)

	case config.SignalingDriverWebSocket:
		f.client = wsdriver.NewClient(cfg.Signaling.URL, cfg.Signaling.Token, logger).
			SetReconnectPolicy(cfg.Signaling.ReconnectInitial, cfg.Signaling.ReconnectWindow)

	default:
		return nil, fmt.Errorf("unknown signaling driver %q", driver)
	}

	logger.Infow("signaling driver ready", "driver", f.driver)
	return f, nil
}

func (f *SignalingFactory) Client() ports.SignalingClient {
	return f.client
}

// Driver reports the driver in use, after any fallback.
func (f *SignalingFactory) Driver() string {
	return f.driver
}

// RedisClient is nil unless the Redis driver is active.
func (f *SignalingFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *SignalingFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}

func (f *SignalingFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}
