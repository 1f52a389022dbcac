package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mpesa-bot/internal/cache"
	"mpesa-bot/internal/config"
	"mpesa-bot/internal/convo"
	"mpesa-bot/internal/daraja"
	"mpesa-bot/internal/httpserver"
	"mpesa-bot/internal/logging"
	"mpesa-bot/internal/metrics"
	"mpesa-bot/internal/repo"
	"mpesa-bot/internal/session"
	"mpesa-bot/internal/wa"
	"mpesa-bot/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mpesa-bot", "env", cfg.AppEnv, "mpesa_env", cfg.MpesaEnvironment)

	if cfg.MpesaCallbackURL == "" {
		logger.Warn("no callback url configured, payment results will rely on status polling only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	var repository repo.Repository
	switch cfg.DatabaseDriver {
	case "sqlite":
		repository, err = repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	default:
		repository, err = repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	}
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated", "driver", cfg.DatabaseDriver)

	var redisClient *cache.Redis
	var sessions session.Store
	if cfg.SessionStore == "redis" {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		sessions = session.NewRedisStore(redisClient, cfg.SessionTTL)
	} else {
		sessions = session.NewMemoryStore(cfg.SessionMaxEntries)
	}
	logger.Info("session store ready", "store", cfg.SessionStore)

	darajaClient := daraja.New(daraja.Config{
		Environment:       cfg.MpesaEnvironment,
		ConsumerKey:       cfg.MpesaConsumerKey,
		ConsumerSecret:    cfg.MpesaConsumerSecret,
		ShortCode:         cfg.MpesaShortCode,
		BusinessShortCode: cfg.MpesaBusinessShortCode,
		Passkey:           cfg.MpesaPasskey,
		TransactionType:   cfg.MpesaTransactionType,
		CallbackURL:       cfg.MpesaCallbackURL,
		Timeout:           cfg.MpesaTimeout,
	}, logger, metricRegistry)

	waClient, err := wa.New(ctx, wa.Config{
		StorePath: cfg.WhatsAppStorePath,
		LogLevel:  cfg.WhatsAppLogLevel,
		Metrics:   metricRegistry,
	}, logger)
	if err != nil {
		return fmt.Errorf("init whatsapp client: %w", err)
	}
	defer waClient.Close()

	engine, err := convo.New(convo.Config{
		Gateway:         darajaClient,
		Sessions:        sessions,
		Sender:          waClient.Notifier(),
		Payments:        convo.NewRepoPaymentLog(repository),
		PendingDeadline: cfg.PendingDeadline,
	}, logger, metricRegistry)
	if err != nil {
		return fmt.Errorf("init conversation engine: %w", err)
	}
	waClient.SetMessageProcessor(wa.NewHandler(waClient, engine, repository, logger, metricRegistry))

	go engine.RunPendingSweeper(ctx, cfg.SweepInterval)

	callbackHandler := daraja.NewCallbackHandler(logger, metricRegistry, engine)

	waCtx, waCancel := context.WithCancel(ctx)
	defer waCancel()
	go func() {
		if err := waClient.Start(waCtx); err != nil {
			logger.Error("whatsapp client stopped", "error", err)
			stop()
		}
	}()

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		DarajaCallback: callbackHandler,
	}, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Repository: repository,
		Redis:      redisClient,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
