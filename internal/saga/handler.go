package saga

import (
	"context"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"swifttrack/internal/bus"
)

// Publisher is the slice of the bus client the saga handler needs.
type Publisher interface {
	PublishEvent(ctx context.Context, routingKey string, body map[string]any, correlationID string, headers amqp.Table) (string, error)
}

// HandleOrderCreated returns the order.created consumer handler. It executes
// the saga, publishes one step event per completed (or skipped) step, and on
// failure publishes order.saga_failed and returns the step error so the
// retry topology redelivers the message.
func (o *Orchestrator) HandleOrderCreated(pub Publisher) bus.Handler {
	return func(ctx context.Context, body map[string]any) error {
		orderID, _ := body["order_id"].(string)
		correlationID, _ := body["_correlation_id"].(string)
		if orderID == "" {
			o.logger.Warn("order.created missing order_id")
			return nil
		}

		in := Input{
			OrderID:         orderID,
			ClientID:        stringField(body, "client_id"),
			PickupAddress:   stringField(body, "pickup_address"),
			DeliveryAddress: stringField(body, "delivery_address"),
		}
		if details, ok := body["package_details"].(map[string]any); ok {
			in.PackageDetails = details
		} else {
			in.PackageDetails = map[string]any{}
		}

		o.logger.Info("saga triggered",
			zap.String("order_id", orderID),
			zap.String("correlation_id", correlationID))

		result := o.Execute(ctx, in)

		for _, step := range result.CompletedSteps {
			routingKey := "order." + strings.ToLower(step)
			event := map[string]any{
				"event":    routingKey,
				"order_id": orderID,
			}
			switch step {
			case StepCMSRegistered:
				if result.CMSReference != "" {
					event["cms_reference"] = result.CMSReference
				}
			case StepWMSReceived:
				if result.WMSReference != "" {
					event["wms_reference"] = result.WMSReference
				}
			case StepRouteOptimized:
				if result.RouteID != "" {
					event["route_id"] = result.RouteID
				}
			}
			if _, err := pub.PublishEvent(ctx, routingKey, event, correlationID, nil); err != nil {
				return err
			}
		}

		if !result.Success {
			_, err := pub.PublishEvent(ctx, bus.OrderSagaFailed, map[string]any{
				"event":           bus.OrderSagaFailed,
				"order_id":        orderID,
				"error":           result.Err.Error(),
				"completed_steps": result.CompletedSteps,
			}, correlationID, nil)
			if err != nil {
				return err
			}
			o.logger.Error("saga failed",
				zap.String("order_id", orderID), zap.Error(result.Err))
			return result.Err
		}

		o.logger.Info("saga success", zap.String("order_id", orderID))
		return nil
	}
}

func stringField(body map[string]any, key string) string {
	s, _ := body[key].(string)
	return s
}
