package reactor

import (
	"context"
	"errors"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"swifttrack/internal/assign"
	"swifttrack/internal/bus"
	"swifttrack/internal/orders"
)

const Queue = "order_service.status_updates"

var routingKeys = []string{
	bus.OrderCMSRegistered,
	bus.OrderWMSReceived,
	bus.OrderRouteOptimized,
	bus.OrderSagaFailed,
}

// Publisher is the slice of the bus client the reactor publishes through.
type Publisher interface {
	PublishEvent(ctx context.Context, routingKey string, body map[string]any, correlationID string, headers amqp.Table) (string, error)
}

type transition struct {
	status   orders.Status
	refField string // event body field copied into the order, "" for none
}

// saga event → order transition. route_optimized lands directly on READY:
// the ROUTE_OPTIMIZED state exists in the domain but the reactor collapses
// it so auto-assignment can run off a single terminal saga status.
var transitions = map[string]transition{
	bus.OrderCMSRegistered:  {orders.StatusCMSRegistered, "cms_reference"},
	bus.OrderWMSReceived:    {orders.StatusWMSReceived, "wms_reference"},
	bus.OrderRouteOptimized: {orders.StatusReady, "route_id"},
	bus.OrderSagaFailed:     {orders.StatusFailed, ""},
}

// Reactor consumes saga-emitted events, advances order state and triggers
// pickup auto-assignment once an order is READY.
type Reactor struct {
	store    *orders.Store
	pub      Publisher
	assigner *assign.Assigner
	logger   *zap.Logger
}

func New(store *orders.Store, pub Publisher, assigner *assign.Assigner, logger *zap.Logger) *Reactor {
	return &Reactor{store: store, pub: pub, assigner: assigner, logger: logger}
}

// Start begins consuming on the reactor's durable queue. No retry wrapper:
// repeated deliveries only grow the history, external state is untouched.
func (r *Reactor) Start(client *bus.Client) error {
	return client.Consume(Queue, routingKeys, r.Handle)
}

// Handle processes one status update event.
func (r *Reactor) Handle(ctx context.Context, body map[string]any) error {
	event, _ := body["event"].(string)
	correlationID, _ := body["_correlation_id"].(string)

	tr, ok := transitions[event]
	if !ok {
		r.logger.Warn("unknown event", zap.String("event", event))
		return nil
	}

	orderIDStr, _ := body["order_id"].(string)
	orderID, err := uuid.Parse(orderIDStr)
	if err != nil {
		r.logger.Warn("missing or invalid order_id", zap.String("event", event))
		return nil
	}

	details, _ := body["details"].(string)
	if details == "" {
		details = "Updated via " + event
	}

	var extra *orders.Extra
	if tr.refField != "" {
		if ref, ok := body[tr.refField].(string); ok && ref != "" {
			extra = &orders.Extra{}
			switch tr.refField {
			case "cms_reference":
				extra.CMSReference = &ref
			case "wms_reference":
				extra.WMSReference = &ref
			case "route_id":
				extra.RouteID = &ref
			}
		}
	}

	order, err := r.store.Transition(ctx, orderID, tr.status, details, extra)
	if errors.Is(err, orders.ErrNotFound) {
		r.logger.Warn("status update for unknown order",
			zap.String("order_id", orderIDStr), zap.String("event", event))
		return nil
	}
	if err != nil {
		return err
	}

	r.logger.Info("order status updated via event",
		zap.String("order_id", orderIDStr),
		zap.String("new_status", string(tr.status)))

	if err := r.publishStatusChanged(ctx, orderID, tr.status, correlationID); err != nil {
		return err
	}

	if tr.status == orders.StatusReady {
		return r.assignPickup(ctx, order, correlationID)
	}
	return nil
}

func (r *Reactor) assignPickup(ctx context.Context, order *orders.Order, correlationID string) error {
	driver, ok, err := r.assigner.Pick(ctx, assign.PhasePickup)
	if err != nil {
		return err
	}
	if !ok {
		// Empty roster: the order stays READY.
		return nil
	}

	_, err = r.store.Transition(ctx, order.ID, orders.StatusPickupAssigned,
		"System auto-assigned pickup driver", &orders.Extra{PickupDriverID: &driver})
	if err != nil {
		return err
	}

	r.logger.Info("auto-assigned pickup driver",
		zap.String("order_id", order.ID.String()),
		zap.String("driver_id", driver))

	return r.publishStatusChanged(ctx, order.ID, orders.StatusPickupAssigned, correlationID)
}

func (r *Reactor) publishStatusChanged(ctx context.Context, orderID uuid.UUID, status orders.Status, correlationID string) error {
	_, err := r.pub.PublishEvent(ctx, bus.NotificationStatusChanged, map[string]any{
		"event":    bus.NotificationStatusChanged,
		"order_id": orderID.String(),
		"status":   string(status),
	}, correlationID, nil)
	return err
}
