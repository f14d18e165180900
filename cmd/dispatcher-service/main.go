package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rachitjindal56/mini-studio/internal/backend"
	"github.com/rachitjindal56/mini-studio/internal/cache"
	"github.com/rachitjindal56/mini-studio/internal/config"
	"github.com/rachitjindal56/mini-studio/internal/dispatch"
	"github.com/rachitjindal56/mini-studio/internal/domain"
	"github.com/rachitjindal56/mini-studio/internal/orchestrator"
	"github.com/rachitjindal56/mini-studio/internal/store"
	"github.com/rachitjindal56/mini-studio/shared/logger"
	"github.com/rachitjindal56/mini-studio/shared/postgresql"
	"github.com/rachitjindal56/mini-studio/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("DISPATCHER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/dispatcher-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateDispatcher(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting dispatcher service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Int("concurrency", cfg.Dispatcher.Concurrency),
	)

	var durable store.DurableStore
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		appLogger.Warn("Database unreachable, running on the in-memory tier",
			slog.Any("error", err))
		durable = store.Unavailable{}
	} else {
		durable = store.NewPostgres(dbClient, cfg.Database.RequestTimeout)
		appLogger.Info("Database connection established")
	}

	jobs := store.NewJobStore(durable, appLogger)
	resolver := store.NewDatasetResolver(durable)

	// The broker is this service's only input; without it there is
	// nothing to dispatch.
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	appLogger.Info("RabbitMQ connection established")

	broker := dispatch.NewBroker(rabbitClient, appLogger)

	adapter := backend.NewFallback(
		backend.NewClusterClient(backend.ClusterConfig{
			Address:       cfg.Backend.ClusterAddress,
			SubmitTimeout: cfg.Backend.SubmitTimeout,
			PollTimeout:   cfg.Backend.PollTimeout,
		}),
		backend.NewLocalRunner(cfg.Backend.LocalRunDuration),
	)

	clientConfigs := cache.NewTTL(cfg.Cache.ClientConfigTTL, func(ctx context.Context, key string) (domain.ClientConfig, error) {
		clientCfg, err := durable.GetClientConfig(ctx, key)
		if err != nil {
			return domain.ClientConfig{}, err
		}
		return *clientCfg, nil
	})

	orch := orchestrator.New(orchestrator.Config{
		Concurrency:     cfg.Dispatcher.Concurrency,
		PollInterval:    cfg.Dispatcher.PollInterval,
		DispatchTimeout: cfg.Dispatcher.DispatchTimeout,
		EntrypointPath:  cfg.Backend.EntrypointPath,
	}, jobs, resolver, adapter, broker, clientConfigs, appLogger)

	runCtx, stopRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		orch.Run(runCtx)
		close(runDone)
	}()

	appLogger.Info("Dispatcher service is running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down dispatcher...")

	stopRun()
	select {
	case <-runDone:
	case <-time.After(cfg.Dispatcher.ShutdownTimeout):
		appLogger.Error("Dispatcher workers did not stop in time")
	}

	if err := broker.Close(); err != nil {
		appLogger.Error("Failed to close broker", slog.Any("error", err))
	}
	if dbClient != nil {
		dbClient.Close()
	}

	appLogger.Info("Dispatcher shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ dispatch client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange,
		ExchangeType:      cfg.ExchangeType,
		QueueName:         cfg.Queue,
		RoutingKey:        cfg.RoutingKey,
		RetryAttempts:     cfg.RetryAttempts,
		RetryInterval:     cfg.RetryInterval,
		Heartbeat:         cfg.Heartbeat,
		PrefetchCount:     cfg.PrefetchCount,
		PublishRetries:    cfg.PublishRetries,
		PublishRetryDelay: cfg.PublishRetryDelay,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
