package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"swifttrack/internal/bus"
	"swifttrack/internal/config"
	"swifttrack/internal/observability"
	"swifttrack/internal/saga"
)

// The integration service runs the CMS → WMS → ROS saga off order.created,
// with the full retry topology around its queue.
const sagaQueue = "integration_service.order_created"

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
	logger.Info("starting integration service")

	metrics := observability.NewMetrics()
	otelShutdown, err := observability.SetupOpenTelemetry("integration_service", logger)
	if err != nil {
		logger.Fatal("failed to set up opentelemetry", zap.Error(err))
	}
	defer otelShutdown()

	broker, err := bus.Connect(cfg.RabbitMQURL, "integration_service", logger)
	if err != nil {
		logger.Fatal("failed to connect to RabbitMQ", zap.Error(err))
	}
	broker.UseMetrics(metrics)

	orchestrator := saga.NewOrchestrator(cfg, logger, metrics)
	err = broker.ConsumeWithRetry(sagaQueue, []string{bus.OrderCreated},
		orchestrator.HandleOrderCreated(broker), cfg.SagaMaxRetries, cfg.SagaRetryTTL)
	if err != nil {
		logger.Fatal("failed to start saga consumer", zap.Error(err))
	}

	logger.Info("integration service started",
		zap.String("queue", sagaQueue),
		zap.Int("max_retries", cfg.SagaMaxRetries),
		zap.Duration("retry_ttl", cfg.SagaRetryTTL))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if err := broker.Close(); err != nil {
		logger.Error("failed to close RabbitMQ connection", zap.Error(err))
	}
	logger.Info("integration service stopped")
}
