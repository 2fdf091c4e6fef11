package ws

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"swifttrack/internal/bus"
	"swifttrack/internal/orders"
)

// Bridge consumes notification events and pushes them to the sessions of
// the order's owning client. Each process replica runs its own transient
// queue so every replica sees every event.
type Bridge struct {
	hub    *Hub
	store  *orders.Store
	logger *zap.Logger
}

func NewBridge(hub *Hub, store *orders.Store, logger *zap.Logger) *Bridge {
	return &Bridge{hub: hub, store: store, logger: logger}
}

func (b *Bridge) Start(client *bus.Client) error {
	queue := fmt.Sprintf("order_service.ws_notifications.%d", os.Getpid())
	return client.ConsumeTransient(queue, []string{
		bus.NotificationOrderUpdate,
		bus.NotificationStatusChanged,
	}, b.Handle)
}

// Handle resolves the event's order to its client and broadcasts only to
// that client's sessions.
func (b *Bridge) Handle(ctx context.Context, body map[string]any) error {
	orderIDStr, _ := body["order_id"].(string)
	orderID, err := uuid.Parse(orderIDStr)
	if err != nil {
		b.logger.Warn("notification without valid order_id")
		return nil
	}

	order, err := b.store.GetByID(ctx, orderID)
	if err != nil {
		b.logger.Warn("cannot resolve order for websocket push",
			zap.String("order_id", orderIDStr), zap.Error(err))
		return nil
	}

	event, _ := body["event"].(string)
	status, _ := body["status"].(string)
	message, _ := body["message"].(string)

	b.hub.Broadcast(order.ClientID, map[string]any{
		"type":     "order_update",
		"order_id": orderIDStr,
		"event":    event,
		"status":   status,
		"message":  message,
	})
	return nil
}
