package bus

// Exchange topology shared by every SwiftTrack service.
const (
	ExchangeEvents = "swifttrack.events" // topic, all order/notification traffic
	ExchangeDLX    = "swifttrack.dlx"    // topic, first hop for nacked deliveries
	ExchangeDLQ    = "swifttrack.dlq"    // fanout, retry-exhausted deliveries
)

// Routing keys.
const (
	OrderCreated              = "order.created"
	OrderCMSRegistered        = "order.cms_registered"
	OrderWMSReceived          = "order.wms_received"
	OrderRouteOptimized       = "order.route_optimized"
	OrderSagaFailed           = "order.saga_failed"
	NotificationStatusChanged = "notification.status_changed"
	NotificationOrderUpdate   = "notification.order_update"
)

const EventVersion = "1.0"
