package notify

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"swifttrack/internal/bus"
)

const Queue = "notification_service.all_events"

var routingKeys = []string{
	bus.OrderCreated,
	bus.OrderCMSRegistered,
	bus.OrderWMSReceived,
	bus.OrderRouteOptimized,
	bus.OrderSagaFailed,
	bus.NotificationStatusChanged,
}

type Publisher interface {
	PublishEvent(ctx context.Context, routingKey string, body map[string]any, correlationID string, headers amqp.Table) (string, error)
}

type template struct {
	channel string
	message string // %s slots: order_id (and status for status_changed)
}

// Stub channel routing. Real email/SMS/push delivery is out of scope; the
// notifier logs what would be sent and republishes for websocket consumers.
var channelMap = map[string]template{
	bus.OrderCreated:              {"email", "Order %s received, processing started."},
	bus.OrderCMSRegistered:        {"internal", "Order %s registered in CMS."},
	bus.OrderWMSReceived:          {"internal", "Order %s received at warehouse."},
	bus.OrderRouteOptimized:       {"email", "Order %s delivery route optimised."},
	bus.NotificationStatusChanged: {"push", "Order %s status changed to %s."},
	bus.OrderSagaFailed:           {"alert", "Order %s processing failed, requires attention."},
}

// Notifier consumes every order event and fans the update back out as
// notification.order_update.
type Notifier struct {
	pub    Publisher
	logger *zap.Logger
}

func New(pub Publisher, logger *zap.Logger) *Notifier {
	return &Notifier{pub: pub, logger: logger}
}

func (n *Notifier) Start(client *bus.Client) error {
	return client.Consume(Queue, routingKeys, n.Handle)
}

func (n *Notifier) Handle(ctx context.Context, body map[string]any) error {
	event, _ := body["event"].(string)
	orderID, _ := body["order_id"].(string)
	status, _ := body["status"].(string)
	correlationID, _ := body["_correlation_id"].(string)

	tpl, ok := channelMap[event]
	if !ok {
		n.logger.Warn("unknown event", zap.String("event", event))
		return nil
	}

	var message string
	if event == bus.NotificationStatusChanged {
		message = fmt.Sprintf(tpl.message, orderID, status)
	} else {
		message = fmt.Sprintf(tpl.message, orderID)
	}

	n.logger.Info("notification sent",
		zap.String("event", event),
		zap.String("order_id", orderID),
		zap.String("channel", tpl.channel),
		zap.String("message", message))

	_, err := n.pub.PublishEvent(ctx, bus.NotificationOrderUpdate, map[string]any{
		"event":    event,
		"order_id": orderID,
		"status":   status,
		"message":  message,
		"channel":  tpl.channel,
	}, correlationID, nil)
	return err
}
