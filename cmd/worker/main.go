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
	"github.com/kursadbilgin/webhook-dispatcher/internal/config"
	"github.com/kursadbilgin/webhook-dispatcher/internal/handler"
	"github.com/kursadbilgin/webhook-dispatcher/internal/infra/postgresql"
	infraredis "github.com/kursadbilgin/webhook-dispatcher/internal/infra/redis"
	"github.com/kursadbilgin/webhook-dispatcher/internal/observability"
	"github.com/kursadbilgin/webhook-dispatcher/internal/provider"
	"github.com/kursadbilgin/webhook-dispatcher/internal/queue"
	"github.com/kursadbilgin/webhook-dispatcher/internal/repository"
	"github.com/kursadbilgin/webhook-dispatcher/internal/service"
	"github.com/kursadbilgin/webhook-dispatcher/internal/signing"
	"github.com/kursadbilgin/webhook-dispatcher/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
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
		Service: "webhook-dispatcher-worker",
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

	metrics := observability.NewMetrics()
	endpointRepo := repository.NewGormEndpointRepo(db)
	logRepo := repository.NewGormDeliveryLogRepo(db)

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

	if cfg.EndpointRateLimit > 0 {
		limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.EndpointRateLimit)
		if err != nil {
			logger.Fatal("rate limiter initialization failed", zap.Error(err))
		}
		executor.SetRateLimiter(limiter)
	}

	router, err := service.NewEventRouter(endpointRepo, executor, cfg.RouterConcurrency, logger)
	if err != nil {
		logger.Fatal("event router initialization failed", zap.Error(err))
	}
	router.SetMetrics(metrics)

	deduper, err := infraredis.NewEventDeduper(rdb, cfg.EventDedupTTL())
	if err != nil {
		logger.Fatal("event deduper initialization failed", zap.Error(err))
	}
	router.SetDeduper(deduper)

	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.WorkerPrefetch, logger)
	worker, err := service.NewEventWorker(consumer, router.RouteEvent, cfg.WorkerConcurrency, logger)
	if err != nil {
		logger.Fatal("event worker initialization failed", zap.Error(err))
	}

	sweeper, err := service.NewStaleSweeper(
		endpointRepo,
		logRepo,
		cfg.StaleSweepInterval(),
		cfg.StaleDeliveryAfter(),
		0,
		logger,
	)
	if err != nil {
		logger.Fatal("stale sweeper initialization failed", zap.Error(err))
	}
	sweeper.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		AppName:               "webhook-dispatcher-worker",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app,
		handler.PostgresCheck(sqlDB),
		handler.RedisCheck(rdb),
		handler.BrokerCheck(rabbit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Start(groupCtx) })
	g.Go(func() error { return sweeper.Start(groupCtx) })
	g.Go(func() error {
		return app.Listen(fmt.Sprintf(":%d", cfg.WorkerHTTPPort))
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	logger.Info("webhook-dispatcher worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("routerConcurrency", cfg.RouterConcurrency),
		zap.Int("httpPort", cfg.WorkerHTTPPort),
	)

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
	}
	logger.Info("webhook-dispatcher worker stopped")
}
