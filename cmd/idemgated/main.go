package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ncecere/idemgate/internal/app"
	"github.com/ncecere/idemgate/internal/config"
	"github.com/ncecere/idemgate/internal/httpserver"
	"github.com/ncecere/idemgate/internal/redisclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	container, err := buildContainer(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("build container: %v", err)
	}
	if container.Redis != nil {
		defer container.Redis.Close()
	}
	if container.Observability != nil {
		defer container.Observability.Shutdown(ctx)
	}

	server, err := httpserver.New(container)
	if err != nil {
		log.Fatalf("construct server: %v", err)
	}

	logger.Info("idemgated listening", "addr", cfg.Server.ListenAddr, "backend", cfg.Storage.Backend)
	if err := server.Listen(ctx); err != nil && err != context.Canceled {
		log.Fatalf("server stopped: %v", err)
	}
}

func buildContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app.Container, error) {
	if cfg.Storage.Backend != "redis" {
		return app.NewContainer(ctx, cfg, nil, logger)
	}

	redisClient := redisclient.New(cfg.Redis)
	if err := redisclient.Ping(ctx, redisClient); err != nil {
		return nil, err
	}
	return app.NewContainer(ctx, cfg, redisClient, logger)
}
