package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"swifttrack/internal/bus"
	"swifttrack/internal/config"
	"swifttrack/internal/notify"
	"swifttrack/internal/observability"
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
	logger.Info("starting notification service")

	broker, err := bus.Connect(cfg.RabbitMQURL, "notification_service", logger)
	if err != nil {
		logger.Fatal("failed to connect to RabbitMQ", zap.Error(err))
	}

	notifier := notify.New(broker, logger)
	if err := notifier.Start(broker); err != nil {
		logger.Fatal("failed to start notifier", zap.Error(err))
	}
	logger.Info("notification service started", zap.String("queue", notify.Queue))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if err := broker.Close(); err != nil {
		logger.Error("failed to close RabbitMQ connection", zap.Error(err))
	}
	logger.Info("notification service stopped")
}
