package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/wa-dispatcher/internal/api/handler"
	"github.com/cuongbtq/wa-dispatcher/internal/api/router"
	"github.com/cuongbtq/wa-dispatcher/internal/broadcast"
	"github.com/cuongbtq/wa-dispatcher/internal/cache"
	"github.com/cuongbtq/wa-dispatcher/internal/config"
	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher"
	"github.com/cuongbtq/wa-dispatcher/internal/intake"
	"github.com/cuongbtq/wa-dispatcher/internal/provider/whatsapp"
	"github.com/cuongbtq/wa-dispatcher/internal/storage"
	"github.com/cuongbtq/wa-dispatcher/shared/database"
	"github.com/cuongbtq/wa-dispatcher/shared/logger"
	"github.com/cuongbtq/wa-dispatcher/shared/rabbitmq"
	"github.com/cuongbtq/wa-dispatcher/shared/redis"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("DISPATCHER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/dispatcher-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting dispatcher service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Bool("test_mode", cfg.Provider.TestMode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database client
	dbClient, err := initDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	if cfg.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		appLogger.Info("Database schema ensured")
	}

	recorders := []dispatcher.SendRecorder{store}
	healthChecks := map[string]handler.HealthChecker{"database": dbClient}

	// Initialize Redis sent index
	var sentIndex *cache.SentIndex
	if cfg.Redis.Enabled {
		redisClient, err := initRedis(ctx, &cfg.Redis, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		defer redisClient.Close()

		sentIndex = cache.NewSentIndex(redisClient.GetClient(), cfg.Redis.SentIndexSize, cfg.Redis.SentIndexTTL)
		recorders = append(recorders, sentIndex)
		healthChecks["redis"] = redisClient
	}

	// Initialize RabbitMQ client
	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		appLogger.Info("RabbitMQ connection established")
	}

	// Progress broadcaster
	broadcastCfg := &broadcast.Config{
		Logger:            appLogger.Logger,
		HeartbeatInterval: cfg.Broadcast.HeartbeatInterval,
		MirrorPrefix:      cfg.RabbitMQ.Events.Prefix,
	}
	if rabbitClient != nil && cfg.RabbitMQ.Events.Mirror {
		broadcastCfg.Mirror = rabbitClient
	}
	broadcaster := broadcast.New(broadcastCfg)

	// Job queue
	queue := dispatcher.New(dispatcher.Config{
		BatchSize:       cfg.Dispatcher.BatchSize,
		MaxRecipients:   cfg.Dispatcher.MaxRecipients,
		Concurrency:     cfg.Dispatcher.Concurrency,
		BatchDelay:      cfg.Dispatcher.BatchDelay,
		RatePerSecond:   cfg.Dispatcher.RatePerSecond,
		RateBurst:       cfg.Dispatcher.RateBurst,
		RecordTimeout:   cfg.Dispatcher.RecordTimeout,
		JobRetention:    cfg.Dispatcher.JobRetention,
		MaxRetainedJobs: cfg.Dispatcher.MaxRetainedJobs,
		JanitorSchedule: cfg.Dispatcher.JanitorSchedule,
	}, dispatcher.Dependencies{
		Logger:      appLogger.Logger,
		Credentials: store,
		Sender:      initSender(&cfg.Provider, appLogger.Logger),
		Recorder:    dispatcher.Recorders(recorders...),
		Emitter:     broadcaster,
	})

	janitor, err := dispatcher.NewJanitor(queue)
	if err != nil {
		return err
	}
	janitor.Start()
	defer janitor.Stop()

	// Start intake consumer in a goroutine
	errChan := make(chan error, 2)
	if rabbitClient != nil && cfg.RabbitMQ.Consumer.Enabled {
		consumer := intake.NewConsumer(&intake.Config{
			Logger:        appLogger.Logger,
			Source:        rabbitClient,
			Queue:         queue,
			ConsumerTag:   cfg.RabbitMQ.Consumer.Tag,
			PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		})
		go func() {
			if err := consumer.Run(ctx); err != nil {
				errChan <- fmt.Errorf("intake consumer: %w", err)
			}
		}()
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:             appLogger.Logger,
		Queue:              queue,
		Broadcaster:        broadcaster,
		SentIndex:          sentIndex,
		HealthChecks:       healthChecks,
		StreamWriteTimeout: cfg.Broadcast.WriteTimeout,
	})

	// Create HTTP server; request contexts end with ctx so open streams are released on shutdown
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	appLogger.Info("Dispatcher service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Service error",
			slog.Any("error", runErr),
		)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Running jobs finish as canceled, which also closes their event streams
	if err := queue.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Dispatcher shutdown timeout exceeded",
			slog.Any("error", err),
		)
	}

	// Stops the intake consumer and releases remaining streams
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		if runErr == nil {
			runErr = err
		}
	}

	appLogger.Info("Dispatcher service shutdown complete")
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   cfg.TimeFormat,
	}

	return logger.New(loggerCfg)
}

// initDatabase initializes the SQL database client
func initDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return database.NewClient(dbConfig, logger)
}

// initRedis initializes the Redis client
func initRedis(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	redisConfig := &redis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return redis.NewClient(ctx, redisConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
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
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initSender initializes the WhatsApp Cloud API client
func initSender(cfg *config.ProviderConfig, logger *slog.Logger) *whatsapp.Client {
	return whatsapp.NewClient(&whatsapp.Config{
		Logger:         logger,
		HTTPClient:     &http.Client{Timeout: cfg.RequestTimeout + 5*time.Second},
		BaseURL:        cfg.BaseURL,
		APIVersion:     cfg.APIVersion,
		RequestTimeout: cfg.RequestTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		RetryJitter:    cfg.RetryJitter,
		TestMode:       cfg.TestMode,
		TestToken:      cfg.TestToken,
	})
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
