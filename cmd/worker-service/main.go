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

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/humtech/bookingbot/internal/adapters"
	"github.com/humtech/bookingbot/internal/config"
	"github.com/humtech/bookingbot/internal/pipeline"
	"github.com/humtech/bookingbot/internal/queue"
	"github.com/humtech/bookingbot/internal/sender"
	"github.com/humtech/bookingbot/internal/telemetry"
	"github.com/humtech/bookingbot/internal/tenant"
	"github.com/humtech/bookingbot/internal/worker"
	"github.com/humtech/bookingbot/shared/logger"
	"github.com/humtech/bookingbot/shared/postgresql"
	"github.com/humtech/bookingbot/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	healthCtx, healthCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = dbClient.HealthCheck(healthCtx)
	healthCancel()
	if err != nil {
		return fmt.Errorf("database not ready: %w", err)
	}

	db := dbClient.GetDB()

	// Messaging adapters. The AMQP messenger is only registered when a
	// broker is configured; tenants on the stub adapter work either way.
	messengers := map[string]adapters.Messenger{
		"stub": adapters.NewStubMessenger(),
	}
	if cfg.RabbitMQ.Host != "" {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		messengers["ghl"] = adapters.NewAMQPMessenger(rabbitClient)
		messengers["amqp"] = adapters.NewAMQPMessenger(rabbitClient)
	}

	// Calendar adapters.
	calendars := map[string]adapters.Calendar{
		"stub": adapters.NewStubCalendar(time.Now(), time.UTC),
	}
	if cfg.Adapters.GHL.Enabled {
		calendars["ghl"] = adapters.NewGHLClient(cfg.Adapters.GHL.BaseURL, cfg.Adapters.GHL.Timeout, appLogger.Logger)
	}

	resolver := tenant.NewStoreResolver(db, appLogger.Logger)

	queueManager := queue.NewManager(db).
		WithRetryPolicy(queue.DefaultBackoff(), cfg.Worker.MaxAttempts)

	workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])

	w := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		DB:          db,
		Queue:       queueManager,
		Pipeline:    pipeline.New(calendars, resolver, appLogger.Logger),
		Sender:      sender.New(db, messengers, resolver, appLogger.Logger),
		WorkerID:    workerID,
		Concurrency: cfg.Worker.Concurrency,
		BatchSize:   cfg.Worker.BatchSize,
		PollMin:     cfg.Worker.PollMin,
		PollMax:     cfg.Worker.PollMax,
		JobTimeout:  cfg.Worker.JobTimeout,
		StaleAfter:  cfg.Worker.StaleAfter,
		ReapEvery:   cfg.Worker.ReapInterval,
		SendEvery:   cfg.Sender.Interval,
		SendBatch:   cfg.Sender.BatchSize,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The worker owns the counters it increments, so it serves its own
	// scrape endpoint.
	if cfg.Worker.MetricsAddr != "" {
		go func() {
			appLogger.Info("Metrics endpoint listening",
				slog.String("addr", cfg.Worker.MetricsAddr),
			)
			if err := http.ListenAndServe(cfg.Worker.MetricsAddr, telemetry.Handler()); err != nil {
				appLogger.Error("Metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Run(ctx)
	}()

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerID),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Worker error", slog.Any("error", err))
			return err
		}
		return nil
	}

	cancel()

	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	select {
	case <-errChan:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(shutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
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

// initRabbitMQ initializes the RabbitMQ publishing client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
