package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rachitjindal56/mini-studio/internal/api/handler"
	"github.com/rachitjindal56/mini-studio/internal/api/router"
	"github.com/rachitjindal56/mini-studio/internal/backend"
	"github.com/rachitjindal56/mini-studio/internal/cache"
	"github.com/rachitjindal56/mini-studio/internal/config"
	"github.com/rachitjindal56/mini-studio/internal/dispatch"
	"github.com/rachitjindal56/mini-studio/internal/domain"
	"github.com/rachitjindal56/mini-studio/internal/orchestrator"
	"github.com/rachitjindal56/mini-studio/internal/proxy"
	"github.com/rachitjindal56/mini-studio/internal/routing"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// The database is best effort at boot: without it the in-memory
	// tier carries jobs until the store comes back.
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

	// The broker is best effort as well: failed publishes degrade to
	// the in-process queue, which this service's own workers drain.
	localQueue := dispatch.NewLocalQueue(256)
	var queue dispatch.Queue = localQueue
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		appLogger.Warn("RabbitMQ unreachable, dispatching in-process",
			slog.Any("error", err))
	} else {
		appLogger.Info("RabbitMQ connection established")
		broker := dispatch.NewBroker(rabbitClient, appLogger)
		queue = dispatch.NewDegrading(broker, localQueue, func(jobID string, err error) {
			appLogger.Warn("Broker publish failed, queueing in-process",
				slog.String("job_id", jobID),
				slog.Any("error", err))
		})
	}

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
	}, jobs, resolver, adapter, queue, clientConfigs, appLogger)

	routeResolver := routing.NewResolver(durable, cfg.Cache.RoutingTTL, appLogger)
	inferenceProxy := proxy.New(routeResolver, cfg.Proxy.RequestTimeout, appLogger)

	// Drain locally queued jobs and poll running ones.
	runCtx, stopRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		orch.Run(runCtx)
		close(runDone)
	}()

	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:       appLogger,
		Orchestrator: orch,
		Resolver:     routeResolver,
		Proxy:        inferenceProxy,
		Durable:      durable,
		DataDir:      cfg.Datasets.DataDir,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	cleanup := func() {
		cancel()
		stopRun()
		<-runDone
		_ = queue.Close()
		if dbClient != nil {
			dbClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.Setup(deps)
}
