package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/webhook-dispatcher/internal/config"
	"github.com/kursadbilgin/webhook-dispatcher/internal/handler"
	"github.com/kursadbilgin/webhook-dispatcher/internal/infra/postgresql"
	"github.com/kursadbilgin/webhook-dispatcher/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/webhook-dispatcher/internal/infra/redis"
	"github.com/kursadbilgin/webhook-dispatcher/internal/observability"
	"github.com/kursadbilgin/webhook-dispatcher/internal/provider"
	"github.com/kursadbilgin/webhook-dispatcher/internal/queue"
	"github.com/kursadbilgin/webhook-dispatcher/internal/repository"
	"github.com/kursadbilgin/webhook-dispatcher/internal/service"
	"github.com/kursadbilgin/webhook-dispatcher/internal/signing"
	"github.com/kursadbilgin/webhook-dispatcher/internal/transport"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(observability.LoggerOptions{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "webhook-dispatcher-api",
	})
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close() //nolint:errcheck
	publisher := queue.NewRabbitMQPublisher(rabbit)

	metrics := observability.NewMetrics()

	endpointRepo := repository.NewGormEndpointRepo(db)
	logRepo := repository.NewGormDeliveryLogRepo(db)

	// Redelivery from the API runs inline, so the API carries its own executor.
	executor, err := service.NewDeliveryExecutor(
		endpointRepo,
		logRepo,
		provider.NewWebhookProvider(),
		signing.NewSigner(nil),
		service.ExecutorConfig{
			BackoffBase:          cfg.BackoffBase(),
			BackoffMax:           cfg.BackoffMax(),
			FastFailClientErrors: cfg.FastFailClientErrors,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("delivery executor initialization failed", zap.Error(err))
	}
	executor.SetMetrics(metrics)

	endpointService, err := service.NewEndpointService(
		endpointRepo,
		logRepo,
		executor,
		service.EndpointDefaults{RetryCount: cfg.DefaultRetryCount, TimeoutMS: cfg.DefaultTimeoutMS},
		logger,
	)
	if err != nil {
		logger.Fatal("endpoint service initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:               "webhook-dispatcher-api",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app,
		handler.PostgresCheck(sqlDB),
		handler.RedisCheck(rdb),
		handler.BrokerCheck(rabbit),
	)
	if err := handler.RegisterEndpointRoutes(app, endpointService); err != nil {
		logger.Fatal("endpoint routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterEventRoutes(app, publisher, logger); err != nil {
		logger.Fatal("event routes registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()
	logger.Info("webhook-dispatcher api started", zap.Int("port", cfg.APIPort))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("api server stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}
	logger.Info("webhook-dispatcher api stopped")
}
