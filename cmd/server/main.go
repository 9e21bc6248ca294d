package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zapblast/zapblast/internal/broadcast"
	"github.com/zapblast/zapblast/internal/campaigns"
	"github.com/zapblast/zapblast/internal/config"
	"github.com/zapblast/zapblast/internal/database"
	apihttp "github.com/zapblast/zapblast/internal/http"
	"github.com/zapblast/zapblast/internal/http/handlers"
	"github.com/zapblast/zapblast/internal/locks"
	"github.com/zapblast/zapblast/internal/logging"
	"github.com/zapblast/zapblast/internal/messenger"
	"github.com/zapblast/zapblast/internal/observability"
	redisinit "github.com/zapblast/zapblast/internal/redis"
	"github.com/zapblast/zapblast/internal/retrier"
	sentryinit "github.com/zapblast/zapblast/internal/sentry"
	"github.com/zapblast/zapblast/internal/validator"
	"github.com/zapblast/zapblast/internal/workers"
	"github.com/zapblast/zapblast/migrations"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.Log.Level)
	slog.SetDefault(logger)

	sentryHandler, err := sentryinit.Init(cfg.Sentry.DSN, cfg.Sentry.Environment, cfg.Sentry.Release)
	if err != nil {
		logger.Warn("sentry init failed", slog.String("error", err.Error()))
	}
	defer sentryinit.Flush(2 * time.Second)
	sentryinit.CaptureLifecycleEvent("boot", map[string]string{"app_env": cfg.AppEnv}, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool, logger); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(cfg.Prometheus.Namespace, registry)

	var lockManager locks.Manager
	var counter retrier.HourCounter = retrier.NewMemCounter()
	if cfg.Redis.Enabled {
		redisClient := redisinit.NewClient(redisinit.Config{
			Addr:       cfg.Redis.Addr,
			Username:   cfg.Redis.Username,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, falling back to in-process locks",
				slog.String("error", err.Error()))
		} else {
			lockManager = locks.NewRedisManager(redisClient)
			counter = retrier.NewRedisCounter(redisClient)
		}
	}

	var broadcaster broadcast.Broadcaster = broadcast.Noop{}
	if cfg.NATS.Enabled {
		nb, err := broadcast.NewNATSBroadcaster(broadcast.NATSConfig{
			URL:            cfg.NATS.URL,
			Token:          cfg.NATS.Token,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			MaxReconnects:  cfg.NATS.MaxReconnects,
		}, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.Warn("nats unavailable, realtime events disabled",
				slog.String("error", err.Error()))
		} else {
			broadcaster = nb
			defer nb.Close()
		}
	}

	msgr := messenger.NewHTTPClient(messenger.HTTPClientConfig{
		BaseURL:            cfg.Messenger.BaseURL,
		APIKey:             cfg.Messenger.APIKey,
		RequestTimeout:     cfg.Messenger.RequestTimeout,
		StatusPollInterval: cfg.Messenger.StatusPollInterval,
	}, logger)
	defer msgr.Close()

	store := campaigns.NewRepository(pool)

	phoneValidator := validator.New(msgr, campaigns.NewValidatorStore(store), logger, validator.Options{
		LookupTimeout: cfg.Engine.LookupTimeout,
		Metrics:       metrics,
	})

	var ownership campaigns.Ownership
	var replicaRegistry *workers.Registry
	if cfg.Replica.Enabled {
		hostname, _ := os.Hostname()
		replicaID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
		replicaRegistry = workers.NewRegistry(pool, replicaID, hostname, cfg.AppEnv, workers.Config{
			HeartbeatInterval: cfg.Replica.HeartbeatInterval,
			Expiry:            cfg.Replica.Expiry,
		}, logger)
		if err := replicaRegistry.Start(ctx); err != nil {
			logger.Warn("replica registry start failed", slog.String("error", err.Error()))
		} else {
			ownership = replicaRegistry
		}
	}

	manager := campaigns.NewManager(campaigns.Options{
		Store:         store,
		Messenger:     msgr,
		Broadcaster:   broadcaster,
		Validator:     phoneValidator,
		Locks:         lockManager,
		Ownership:     ownership,
		Metrics:       metrics,
		Log:           logger,
		SendTimeout:   cfg.Engine.SendTimeout,
		ShutdownGrace: cfg.Engine.ShutdownGrace,
		ZombieGrace:   cfg.Engine.ZombieGrace,
		LockKeyPrefix: cfg.RecoveryLock.KeyPrefix,
		LockTTLSecs:   int(cfg.RecoveryLock.TTL.Seconds()),
	})

	governor := retrier.New(retrier.Options{
		Store:       store,
		Messenger:   msgr,
		Renderer:    manager.Renderer(),
		Broadcaster: broadcaster,
		Gate:        manager.Gate(),
		Counter:     counter,
		Metrics:     metrics,
		Log:         logger,
		Tick:        cfg.Retry.Tick,
		SendTimeout: cfg.Engine.SendTimeout,
	})

	if cfg.Engine.RecoverOnBoot {
		if n, err := manager.Recover(ctx, ""); err != nil {
			logger.Error("boot recovery failed", slog.String("error", err.Error()))
		} else {
			logger.Info("boot recovery done", slog.Int("respawned", n))
		}
	}

	go governor.Run(ctx)
	go manager.RunReaper(ctx, cfg.Engine.ReaperInterval)

	router := apihttp.NewRouter(apihttp.RouterDeps{
		Logger:          logger,
		Metrics:         metrics,
		Registry:        registry,
		SentryHandler:   sentryHandler,
		CampaignHandler: handlers.NewCampaignHandler(manager, governor, logger),
		HealthHandler:   handlers.NewHealthHandler(store),
	})

	server := apihttp.NewServer(router, cfg.HTTP.Addr,
		cfg.HTTP.ReadHeaderTimeout, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout,
		cfg.HTTP.IdleTimeout, cfg.HTTP.MaxHeaderBytes, logger)

	err = server.Run(ctx)

	// Give live loops a chance to persist their current message outcome.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownGrace)
	manager.Shutdown(shutdownCtx)
	cancel()

	if replicaRegistry != nil {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
		replicaRegistry.Stop(stopCtx)
		cancelStop()
	}

	sentryinit.CaptureLifecycleEvent("shutdown", map[string]string{"app_env": cfg.AppEnv}, nil)
	logger.Info("engine stopped")
	return err
}
