package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/compass_skill/internal/adapters/azureopenai"
	"github.com/ncecere/compass_skill/internal/config"
	"github.com/ncecere/compass_skill/internal/health"
	"github.com/ncecere/compass_skill/internal/limits"
	"github.com/ncecere/compass_skill/internal/observability"
	"github.com/ncecere/compass_skill/internal/vectoriser"
)

// Container aggregates runtime dependencies for handlers and services.
type Container struct {
	Config        *config.Config
	Logger        *slog.Logger
	Redis         *redis.Client
	Embedder      *azureopenai.Adapter
	Vectoriser    *vectoriser.Vectoriser
	Gate          *limits.ProviderGate
	HealthMon     *health.Monitor
	Observability *observability.Provider
}

// NewContainer builds a dependency container from the provided primitives.
// redisClient may be nil, in which case no provider gate is installed.
func NewContainer(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := slog.Default()

	obsProvider, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}

	embedder, err := azureopenai.New(azureopenai.Options{
		Endpoint:   cfg.Compass.Endpoint,
		APIKey:     cfg.Compass.APIKey,
		APIVersion: cfg.Compass.APIVersion,
		Timeout:    cfg.Compass.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init compass client: %w", err)
	}

	gate := limits.NewProviderGate(redisClient, cfg.Gate)

	vecOpts := vectoriser.Options{
		Embedder: embedder,
		Model:    cfg.Compass.EmbeddingModel,
		Policy:   vectoriser.PolicyFromConfig(cfg.Vectorise),
		Metrics:  obsProvider,
		Logger:   logger,
	}
	if gate != nil {
		vecOpts.Gate = gate
	}
	vec, err := vectoriser.New(vecOpts)
	if err != nil {
		return nil, fmt.Errorf("init vectoriser: %w", err)
	}

	monitor := health.NewMonitor(embedder.HealthCheck, cfg.Health)
	monitor.Start(ctx)

	return &Container{
		Config:        cfg,
		Logger:        logger,
		Redis:         redisClient,
		Embedder:      embedder,
		Vectoriser:    vec,
		Gate:          gate,
		HealthMon:     monitor,
		Observability: obsProvider,
	}, nil
}
