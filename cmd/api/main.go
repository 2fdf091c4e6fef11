package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"swifttrack/internal/api"
	"swifttrack/internal/assign"
	"swifttrack/internal/bus"
	"swifttrack/internal/config"
	"swifttrack/internal/db"
	"swifttrack/internal/observability"
	"swifttrack/internal/orders"
	"swifttrack/internal/rate"
	"swifttrack/internal/reactor"
	"swifttrack/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.IsProduction())
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("starting order service", zap.String("port", cfg.Port))

	metrics := observability.NewMetrics()
	otelShutdown, err := observability.SetupOpenTelemetry("order_service", logger)
	if err != nil {
		logger.Fatal("failed to set up opentelemetry", zap.Error(err))
	}
	defer otelShutdown()

	// Database
	ctx := context.Background()
	database, err := db.NewPostgres(ctx, cfg.DatabaseURL, cfg.DBPoolSize, cfg.DBMaxOverflow)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if err := database.RunMigrations("migrations"); err != nil {
		logger.Warn("failed to run migrations", zap.Error(err))
	}

	// Redis
	redis, err := db.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redis.Close()

	// RabbitMQ
	broker, err := bus.Connect(cfg.RabbitMQURL, "order_service", logger)
	if err != nil {
		logger.Fatal("failed to connect to RabbitMQ", zap.Error(err))
	}
	broker.UseMetrics(metrics)

	// Services
	store := orders.NewStore(database, logger)
	assigner := assign.New(store, cfg.Drivers(), logger, metrics)
	rateLimiter := rate.NewLimiter(redis, logger, cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Status reactor: advances orders as saga events arrive.
	statusReactor := reactor.New(store, broker, assigner, logger)
	if err := statusReactor.Start(broker); err != nil {
		logger.Fatal("failed to start status reactor", zap.Error(err))
	}

	// Websocket fan-out.
	hub := ws.NewHub(logger, metrics)
	bridge := ws.NewBridge(hub, store, logger)
	if err := bridge.Start(broker); err != nil {
		logger.Fatal("failed to start websocket bridge", zap.Error(err))
	}

	// HTTP edge
	handlers := api.NewHandlers(logger, store, broker, assigner)
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("fiber error", zap.Error(err))
			return c.Status(500).JSON(fiber.Map{"error": "internal server error"})
		},
	})
	api.SetupRoutes(app, logger, metrics, handlers, rateLimiter, hub)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()
	logger.Info("order service started", zap.String("port", cfg.Port))

	// Graceful shutdown: stop accepting HTTP first, then drain consumers.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shut down HTTP server", zap.Error(err))
	}
	if err := broker.Close(); err != nil {
		logger.Error("failed to close RabbitMQ connection", zap.Error(err))
	}

	logger.Info("order service stopped")
}
