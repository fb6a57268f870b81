// integrationd is the host process of the e-invoicing integration layer.
// It wires the resilient communication stack (failover, auth, sync, cache,
// transport) from configuration and keeps it running until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	authapp "github.com/einvoice/integration/internal/application/authn"
	connapp "github.com/einvoice/integration/internal/application/connection"
	"github.com/einvoice/integration/internal/application/dispatch"
	failapp "github.com/einvoice/integration/internal/application/failover"
	syncapp "github.com/einvoice/integration/internal/application/sync"
	"github.com/einvoice/integration/internal/domain/resilience"
	"github.com/einvoice/integration/internal/infrastructure/cache"
	"github.com/einvoice/integration/internal/infrastructure/config"
	"github.com/einvoice/integration/internal/infrastructure/crypto"
	"github.com/einvoice/integration/internal/infrastructure/logger"
	"github.com/einvoice/integration/internal/infrastructure/telemetry"
	"github.com/einvoice/integration/internal/infrastructure/transport"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "integrationd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting integrationd",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env))

	meterProvider, err := telemetry.NewMeterProvider(telemetry.MetricsConfig{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	}, log.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("create meter provider: %w", err)
	}
	metrics, err := telemetry.NewMetrics(meterProvider.Meter("integration"))
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	cipher, err := crypto.NewCredentialCipher(cfg.Auth.MasterKey, cfg.Auth.KeySalt)
	if err != nil {
		return fmt.Errorf("create credential cipher: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Cache.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = redisClient.Close() }()
	}

	var store cache.Store
	var limiter authapp.RateLimiter
	if redisClient != nil {
		store = cache.NewRedisStore(redisClient, log.Named("cache"))
		limiter = authapp.NewRedisRateLimiter(redisClient, cfg.Auth.MaxAuthPerHour)
	} else {
		store = cache.NewMemoryStore(
			cache.WithLogger(log.Named("cache")),
			cache.WithCleanupInterval(cfg.Cache.CleanupInterval),
		)
		limiter = authapp.NewMemoryRateLimiter(cfg.Auth.MaxAuthPerHour)
	}

	coordinator := authapp.NewCoordinator(authapp.CoordinatorConfig{
		TokenExpiryBuffer: cfg.Auth.TokenExpiryBuffer,
		RequestTimeout:    cfg.Auth.RequestTimeout,
	}, cipher, limiter, log.Named("authn"),
		authapp.WithRefreshRecorder(metrics))

	dispatcher := dispatch.New(dispatch.Config{
		Pool: connapp.PoolConfig{
			MaxRetries:          cfg.Pool.MaxRetries,
			RetryDelay:          cfg.Pool.RetryDelay,
			BackoffFactor:       cfg.Pool.BackoffFactor,
			HealthCheckInterval: cfg.Pool.HealthCheckInterval,
			HealthCheckTimeout:  cfg.Pool.HealthCheckTimeout,
		},
		Failover: failapp.SystemDefaults{
			Breaker: resilience.BreakerConfig{
				FailureThreshold: cfg.Breaker.FailureThreshold,
				SuccessThreshold: cfg.Breaker.SuccessThreshold,
				Timeout:          cfg.Breaker.Timeout,
				EvaluationWindow: cfg.Breaker.EvaluationWindow,
				MinRequests:      cfg.Breaker.MinRequests,
			},
			Recovery: resilience.RecoveryPolicy{
				Strategy:  resilience.RecoveryStrategy(cfg.Failover.RecoveryStrategy),
				BaseDelay: cfg.Failover.RecoveryBaseDelay,
				MaxDelay:  cfg.Failover.RecoveryMaxDelay,
			},
			MaxRetries:   cfg.Failover.MaxRetries,
			RetryDelay:   cfg.Failover.RetryDelay,
			AutoFailback: cfg.Failover.AutoFailback,
		},
		Sync: syncapp.OrchestratorConfig{
			DefaultBatchSize: cfg.Sync.DefaultBatchSize,
			ExecutionHistory: cfg.Sync.ExecutionHistory,
			JobTimeout:       cfg.Sync.JobTimeout,
		},
		Transport: transport.ClientConfig{
			RequestTimeout:   cfg.Transport.RequestTimeout,
			RotationInterval: cfg.Transport.CertRotationInterval,
			MaxResponseBytes: cfg.Transport.MaxResponseBytes,
		},
		HistoryKeep: cfg.Failover.HistoryRetention,
		CacheTTL:    cfg.Cache.DefaultTTL,
		EventBridge: metrics,
		AuthBridge:  metrics,
		SyncBridge:  metrics,
	}, coordinator, log.Named("dispatch"),
		dispatch.WithCache(store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutting down", zap.String("signal", sig.String()))

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	dispatcher.Stop(shutdownCtx)
	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		log.Warn("meter provider shutdown", zap.Error(err))
	}

	log.Info("integrationd stopped")
	return nil
}
