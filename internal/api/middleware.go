package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"swifttrack/internal/observability"
	"swifttrack/internal/rate"
)

const (
	headerRequestID     = "X-Request-ID"
	headerCorrelationID = "X-Correlation-ID"

	localCorrelationID = "correlation_id"
	localRequestID     = "request_id"
	localLogger        = "logger"
)

func SetupMiddleware(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, rateLimiter *rate.Limiter) {
	// Recovery middleware
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// CORS middleware
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-Request-ID,X-Correlation-ID",
	}))

	// Request context middleware: every request gets a fresh request id and
	// a correlation id (forwarded from the caller when present). Both are
	// echoed on the response and carried in the request-scoped logger.
	app.Use(func(c *fiber.Ctx) error {
		requestID := uuid.NewString()
		correlationID := c.Get(headerCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		c.Locals(localRequestID, requestID)
		c.Locals(localCorrelationID, correlationID)
		c.Locals(localLogger, logger.With(
			zap.String("request_id", requestID),
			zap.String("correlation_id", correlationID),
		))

		c.Set(headerRequestID, requestID)
		c.Set(headerCorrelationID, correlationID)
		return c.Next()
	})

	// Logging middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()

		requestLogger(c).Info("http_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("user_agent", c.Get("User-Agent")),
		)

		if metrics != nil {
			metrics.HTTPRequestsTotal.WithLabelValues(
				c.Method(),
				c.Route().Path,
				fmt.Sprintf("%d", status),
			).Inc()

			metrics.HTTPRequestDuration.WithLabelValues(
				c.Method(),
				c.Route().Path,
				fmt.Sprintf("%d", status),
			).Observe(duration.Seconds())
		}

		return err
	})

	// Rate limiting middleware on order submission, keyed per client.
	app.Use("/api/orders", func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost || rateLimiter == nil {
			return c.Next()
		}

		var body struct {
			ClientID string `json:"client_id"`
		}
		if err := c.BodyParser(&body); err != nil || body.ClientID == "" {
			return c.Next() // the handler rejects malformed bodies itself
		}

		allowed, retryAfter, err := rateLimiter.Allow(c.Context(), body.ClientID)
		if err != nil {
			requestLogger(c).Error("rate limiting error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "rate limiting error",
			})
		}

		if !allowed {
			c.Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":               "rate limit exceeded",
				"retry_after_seconds": int(retryAfter.Seconds()),
			})
		}

		return c.Next()
	})
}

func requestLogger(c *fiber.Ctx) *zap.Logger {
	if l, ok := c.Locals(localLogger).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

func correlationID(c *fiber.Ctx) string {
	if cid, ok := c.Locals(localCorrelationID).(string); ok {
		return cid
	}
	return ""
}
