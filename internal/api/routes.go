package api

import (
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"swifttrack/internal/observability"
	"swifttrack/internal/rate"
	"swifttrack/internal/ws"
)

const wsPingInterval = 30 * time.Second

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	rateLimiter *rate.Limiter,
	hub *ws.Hub,
) {
	SetupMiddleware(app, logger, metrics, rateLimiter)

	app.Get("/healthz", handlers.HealthCheck)
	app.Get("/readyz", handlers.ReadyCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")
	ordersGroup := api.Group("/orders")
	ordersGroup.Post("/", handlers.CreateOrder)
	ordersGroup.Get("/", handlers.ListOrders)
	ordersGroup.Get("/:id", handlers.GetOrder)
	ordersGroup.Patch("/:id/status", handlers.UpdateOrderStatus)

	// Websocket tracking: one session per connection, fanned out by the hub.
	app.Use("/ws/tracking/:client_id", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/tracking/:client_id", websocket.New(func(conn *websocket.Conn) {
		clientID := conn.Params("client_id")
		hub.Register(clientID, conn)
		defer hub.Unregister(clientID, conn)

		conn.WriteJSON(map[string]any{
			"type":      "connected",
			"client_id": clientID,
		})

		done := make(chan struct{})
		go func() {
			defer close(done)
			// Reads are only pings/closes from the client; any error ends
			// the session.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					logger.Debug("websocket ping failed, closing session",
						zap.String("client_id", clientID), zap.Error(err))
					return
				}
			}
		}
	}))
}
