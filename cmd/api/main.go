package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/storyforge/internal/api"
	"github.com/NikhilSetiya/storyforge/internal/provider"
	"github.com/NikhilSetiya/storyforge/internal/storage"
	"github.com/NikhilSetiya/storyforge/pkg/config"
	"github.com/NikhilSetiya/storyforge/pkg/health"
	"github.com/NikhilSetiya/storyforge/pkg/logging"
	"github.com/NikhilSetiya/storyforge/pkg/metrics"
	"github.com/NikhilSetiya/storyforge/pkg/ratelimit"
	"github.com/NikhilSetiya/storyforge/pkg/resilience"
	"github.com/NikhilSetiya/storyforge/pkg/tracing"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "storyforge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: api.ServiceName,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    api.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Server.Environment,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Tracer shutdown failed")
		}
	}()

	m := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	})

	healthService := health.NewService(logger, &health.Config{
		Timeout:  5 * time.Second,
		Metadata: map[string]string{"version": version, "environment": cfg.Server.Environment},
	})

	var redisClient *storage.RedisClient
	if cfg.Redis.Enabled {
		connectRetrier := resilience.NewRetrier(resilience.Policy{
			MaxAttempts: 5,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Multiplier:  2,
			Jitter:      resilience.JitterEqual,
		}, nil, resilience.WithName("redis-connect"), resilience.WithLogger(logger), resilience.WithObserver(m))

		redisClient, err = storage.NewRedisClient(ctx, &cfg.Redis, connectRetrier)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		healthService.RegisterChecker("redis", health.NewRedisChecker(redisClient.Client(), "redis"))
		logger.Info("Redis connection established", "addr", cfg.RedisAddr())
	}

	var store ratelimit.Store
	switch cfg.RateLimit.Store {
	case config.StoreRedis:
		store = ratelimit.NewRedisStore(redisClient.Client(), cfg.RateLimit.KeyPrefix)
	default:
		store = ratelimit.NewMemoryStore(cfg.RateLimit.IdleTTL, cfg.RateLimit.MaxKeys)
	}

	controller, err := ratelimit.New(cfg.RateLimiter(), store,
		ratelimit.WithObserver(m),
		ratelimit.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create admission controller: %w", err)
	}
	go controller.Run(ctx, cfg.RateLimit.SweepInterval)

	healthService.RegisterChecker("admission", health.NewCustomChecker("admission", func(ctx context.Context) (health.Status, string, error) {
		_, err := controller.Snapshot(ctx, ratelimit.Key{Client: "health-check", Class: ratelimit.ClassHealth}, time.Now())
		if err != nil {
			// Admission fails open, so a broken store degrades rather than stops the service
			return health.StatusDegraded, "admission store unavailable", nil
		}
		return health.StatusHealthy, "admission store reachable", nil
	}).WithMetadata(map[string]string{"store": cfg.RateLimit.Store}))

	retrier := resilience.NewRetrier(cfg.RetryPolicy(), nil,
		resilience.WithName(cfg.Provider.Name),
		resilience.WithLogger(logger),
		resilience.WithObserver(m),
		resilience.WithTracer(tracer.Tracer()),
	)
	client := provider.New(provider.Config{
		Name:      cfg.Provider.Name,
		BaseURL:   cfg.Provider.BaseURL,
		APIKey:    cfg.Provider.APIKey,
		Model:     cfg.Provider.Model,
		MaxTokens: cfg.Provider.MaxTokens,
		Timeout:   cfg.Provider.Timeout,
	}, retrier,
		provider.WithHTTPClient(tracer.InstrumentHTTPClient(&http.Client{Timeout: cfg.Provider.Timeout})),
		provider.WithRecorder(m),
		provider.WithLogger(logger),
	)

	collector := metrics.NewMetricsCollector(m, metrics.Source{
		RateLimit: func() *ratelimit.StoreStats { return controller.Stats().Store },
		Redis:     redisClient.PoolCounts,
	}, cfg.Metrics.CollectInterval)
	if cfg.Metrics.Enabled {
		go collector.Start(ctx)
		defer collector.Stop()
	}

	router := api.NewRouter(api.Dependencies{
		Config:     cfg,
		Logger:     logger,
		Metrics:    m,
		Tracing:    tracer,
		Health:     healthService,
		Controller: controller,
		Generator:  client,
		Retriers:   []*resilience.Retrier{retrier},
		Stories:    api.NewStoryLog(0),
		Version:    version,
	})

	server := &http.Server{
		Addr:         cfg.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting API server", "addr", server.Addr, "rate_limit_store", cfg.RateLimit.Store)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("Shutting down server")

	// Give outstanding requests time to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited")
	return nil
}
