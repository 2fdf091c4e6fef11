package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"swifttrack/internal/assign"
	"swifttrack/internal/bus"
	"swifttrack/internal/orders"
)

// Publisher is the slice of the bus client the HTTP edge publishes through.
type Publisher interface {
	PublishEvent(ctx context.Context, routingKey string, body map[string]any, correlationID string, headers amqp.Table) (string, error)
}

// driverStatuses are the transitions drivers may request over PATCH. Saga
// states (CMS_REGISTERED etc.) are reactor-only and rejected here.
var driverStatuses = map[orders.Status]struct{}{
	orders.StatusPickingUp:         {},
	orders.StatusPickedUp:          {},
	orders.StatusAtWarehouse:       {},
	orders.StatusOutForDelivery:    {},
	orders.StatusDeliveryAttempted: {},
	orders.StatusDelivered:         {},
	orders.StatusFailed:            {},
}

type Handlers struct {
	logger   *zap.Logger
	store    *orders.Store
	pub      Publisher
	assigner *assign.Assigner
}

func NewHandlers(logger *zap.Logger, store *orders.Store, pub Publisher, assigner *assign.Assigner) *Handlers {
	return &Handlers{
		logger:   logger,
		store:    store,
		pub:      pub,
		assigner: assigner,
	}
}

// CreateOrder handles POST /api/orders. The order is accepted (202) as soon
// as it is persisted in PENDING; the saga picks it up off order.created.
func (h *Handlers) CreateOrder(c *fiber.Ctx) error {
	var req orders.CreateOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	if req.ClientID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "client_id is required"})
	}
	if req.PickupAddress == "" || req.DeliveryAddress == "" {
		return c.Status(400).JSON(fiber.Map{"error": "pickup_address and delivery_address are required"})
	}

	order, err := h.store.Create(c.Context(), req)
	if err != nil {
		requestLogger(c).Error("failed to create order", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	_, err = h.pub.PublishEvent(c.Context(), bus.OrderCreated, map[string]any{
		"event":            bus.OrderCreated,
		"order_id":         order.ID.String(),
		"client_id":        order.ClientID,
		"pickup_address":   order.PickupAddress,
		"delivery_address": order.DeliveryAddress,
		"package_details":  order.PackageDetails,
	}, correlationID(c), nil)
	if err != nil {
		// The order is persisted; the event can be replayed by operators.
		// Failing the request here would orphan a stored order on the client
		// side, so surface the problem through logs only.
		requestLogger(c).Error("failed to publish order.created",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}

	return c.Status(202).JSON(order)
}

// GetOrder handles GET /api/orders/:id. This endpoint doubles as the saga's
// pre-step probe, so it must stay cheap and include the current status.
func (h *Handlers) GetOrder(c *fiber.Ctx) error {
	orderID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid order ID"})
	}

	order, err := h.store.GetByID(c.Context(), orderID)
	if errors.Is(err, orders.ErrNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "order not found"})
	}
	if err != nil {
		requestLogger(c).Error("failed to get order", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	return c.JSON(order)
}

// ListOrders handles GET /api/orders.
func (h *Handlers) ListOrders(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		return c.Status(400).JSON(fiber.Map{"error": "limit must be between 1 and 200"})
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		return c.Status(400).JSON(fiber.Map{"error": "offset must not be negative"})
	}

	filter := orders.ListFilter{
		ClientID:         c.Query("client_id"),
		PickupDriverID:   c.Query("pickup_driver_id"),
		DeliveryDriverID: c.Query("delivery_driver_id"),
		DriverIDAny:      c.Query("driver_id_any"),
		Status:           c.Query("status"),
		Limit:            limit,
		Offset:           offset,
	}

	list, total, err := h.store.List(c.Context(), filter)
	if err != nil {
		requestLogger(c).Error("failed to list orders", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	if list == nil {
		list = []*orders.Order{}
	}

	return c.JSON(orders.ListResponse{Orders: list, Total: total})
}

// UpdateOrderStatus handles PATCH /api/orders/:id/status, the driver-app
// surface. AT_WAREHOUSE triggers delivery-driver auto-assignment and
// DELIVERY_ATTEMPTED escalates to FAILED once attempts are exhausted.
func (h *Handlers) UpdateOrderStatus(c *fiber.Ctx) error {
	orderID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid order ID"})
	}

	var req orders.StatusUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	newStatus := orders.Status(req.Status)
	if _, ok := driverStatuses[newStatus]; !ok {
		return c.Status(400).JSON(fiber.Map{"error": "invalid status", "status": req.Status})
	}

	extra := &orders.Extra{
		PickupDriverID:   req.PickupDriverID,
		DeliveryDriverID: req.DeliveryDriverID,
		DeliveryNotes:    req.DeliveryNotes,
		ProofOfDelivery:  req.ProofOfDelivery,
	}
	details := "Driver update: " + req.Status

	switch newStatus {
	case orders.StatusAtWarehouse:
		if extra.DeliveryDriverID == nil {
			driver, ok, err := h.assigner.Pick(c.Context(), assign.PhaseDelivery)
			if err != nil {
				requestLogger(c).Error("failed to assign delivery driver", zap.Error(err))
				return c.Status(500).JSON(fiber.Map{"error": "internal error"})
			}
			if ok {
				extra.DeliveryDriverID = &driver
				details = "At warehouse, system auto-assigned delivery driver"
			}
		}

	case orders.StatusDeliveryAttempted:
		order, err := h.store.GetByID(c.Context(), orderID)
		if errors.Is(err, orders.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "order not found"})
		}
		if err != nil {
			requestLogger(c).Error("failed to get order", zap.Error(err))
			return c.Status(500).JSON(fiber.Map{"error": "internal error"})
		}

		attempts := order.DeliveryAttempts + 1
		extra.DeliveryAttempts = &attempts
		if attempts >= order.MaxDeliveryAttempts {
			newStatus = orders.StatusFailed
			details = "Delivery failed: maximum delivery attempts reached"
		}
	}

	order, err := h.store.Transition(c.Context(), orderID, newStatus, details, extra)
	if errors.Is(err, orders.ErrNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "order not found"})
	}
	if err != nil {
		requestLogger(c).Error("failed to update order status", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	_, err = h.pub.PublishEvent(c.Context(), bus.NotificationStatusChanged, map[string]any{
		"event":    bus.NotificationStatusChanged,
		"order_id": order.ID.String(),
		"status":   string(order.Status),
	}, correlationID(c), nil)
	if err != nil {
		requestLogger(c).Error("failed to publish status change",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}

	return c.JSON(order)
}

// Health endpoints

func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
}

func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.Health(ctx); err != nil {
		return c.Status(503).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}
