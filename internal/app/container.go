package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/idemgate/internal/config"
	"github.com/ncecere/idemgate/internal/idempotency"
	"github.com/ncecere/idemgate/internal/observability"
	"github.com/ncecere/idemgate/internal/storage"
)

// Container aggregates runtime dependencies for handlers and middleware.
type Container struct {
	Config        *config.Config
	Redis         *redis.Client
	Store         storage.Backend
	Coordinator   *idempotency.Coordinator
	Observability *observability.Provider
	Logger        *slog.Logger
}

// NewContainer selects the storage backend from config and wires the
// coordinator and observability provider. redisClient may be nil when the
// memory backend is configured.
func NewContainer(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *slog.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var store storage.Backend
	switch cfg.Storage.Backend {
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis backend configured but no client provided")
		}
		store = storage.NewRedis(redisClient, cfg.Storage.KeyPrefix)
	case "memory":
		store = storage.NewMemory()
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	coordinator := idempotency.New(store, idempotency.Options{
		TTL:               cfg.Idempotency.TTL,
		RequireKey:        cfg.Idempotency.RequireKey,
		WaitTimeout:       cfg.Idempotency.WaitTimeout,
		ValidateSignature: cfg.Idempotency.ValidateSignature,
		PollInterval:      cfg.Idempotency.PollInterval,
	}, logger)

	obs, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}

	return &Container{
		Config:        cfg,
		Redis:         redisClient,
		Store:         store,
		Coordinator:   coordinator,
		Observability: obs,
		Logger:        logger,
	}, nil
}
