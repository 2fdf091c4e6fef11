package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"swifttrack/internal/observability"
)

const (
	connectRetries    = 30
	connectRetryDelay = 2 * time.Second
	prefetchCount     = 10
)

// Handler processes one decoded event body. The body always carries
// "_correlation_id". Returning an error nacks the delivery; what happens
// next depends on whether the queue was set up with Consume (requeue) or
// ConsumeWithRetry (retry topology).
type Handler func(ctx context.Context, body map[string]any) error

// channelPublisher is the slice of *amqp.Channel the client publishes
// through. Narrowed to an interface so publishing can be tested without a
// broker.
type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Client is the process-wide connection to the swifttrack.events topic
// exchange. One per process; constructed at startup and passed explicitly
// into the saga worker and the status reactor.
type Client struct {
	service string
	logger  *zap.Logger
	metrics *observability.Metrics

	conn *amqp.Connection
	ch   *amqp.Channel
	pub  channelPublisher

	// amqp channels do not allow concurrent publishes.
	pubMu sync.Mutex

	mu           sync.Mutex
	consumerTags []string
	handlers     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Connect dials the broker with exponential patience (30 attempts, 2 s
// apart; RabbitMQ is usually the last container to come up), declares the
// durable topic exchange and sets per-consumer prefetch.
func Connect(url, service string, logger *zap.Logger) (*Client, error) {
	var conn *amqp.Connection
	var err error

	for attempt := 1; attempt <= connectRetries; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("rabbitmq connect retry",
			zap.String("service", service),
			zap.Int("attempt", attempt),
			zap.Int("retries", connectRetries),
			zap.Error(err))
		if attempt == connectRetries {
			return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", connectRetries, err)
		}
		time.Sleep(connectRetryDelay)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	if err := ch.ExchangeDeclare(ExchangeEvents, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare %s exchange: %w", ExchangeEvents, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger.Info("rabbitmq connected", zap.String("service", service))

	return &Client{
		service: service,
		logger:  logger,
		conn:    conn,
		ch:      ch,
		pub:     ch,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// UseMetrics attaches bus counters. Call before starting consumers.
func (c *Client) UseMetrics(m *observability.Metrics) {
	c.metrics = m
}

// Close drains consumers (cancel the iterators, let in-flight handlers
// finish and ack), then closes the channel and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	tags := c.consumerTags
	c.consumerTags = nil
	c.mu.Unlock()

	for _, tag := range tags {
		if err := c.ch.Cancel(tag, false); err != nil {
			c.logger.Warn("failed to cancel consumer", zap.String("tag", tag), zap.Error(err))
		}
	}
	c.handlers.Wait()
	c.cancel()

	if err := c.ch.Close(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}

// Publish sends a persistent JSON message with no tracing headers.
func (c *Client) Publish(ctx context.Context, routingKey string, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal event body: %w", err)
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	err = c.pub.PublishWithContext(ctx, ExchangeEvents, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	if c.metrics != nil {
		c.metrics.EventsPublishedTotal.WithLabelValues(routingKey).Inc()
	}
	c.logger.Info("event published",
		zap.String("routing_key", routingKey),
		zap.String("service", c.service))
	return nil
}

// PublishEvent publishes with the standard tracing headers: correlation_id
// (generated when empty), a fresh request_id, an ISO-8601 UTC timestamp,
// event_version and source_service. Returns the correlation id used.
func (c *Client) PublishEvent(ctx context.Context, routingKey string, body map[string]any, correlationID string, headers amqp.Table) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event body: %w", err)
	}

	cid := correlationID
	if cid == "" {
		cid = uuid.NewString()
	}
	rid := uuid.NewString()
	now := time.Now().UTC()

	msgHeaders := amqp.Table{
		"correlation_id": cid,
		"request_id":     rid,
		"timestamp":      now.Format(time.RFC3339Nano),
		"event_version":  EventVersion,
		"source_service": c.service,
	}
	for k, v := range headers {
		msgHeaders[k] = v
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	err = c.pub.PublishWithContext(ctx, ExchangeEvents, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: cid,
		MessageId:     rid,
		Timestamp:     now,
		Headers:       msgHeaders,
		Body:          data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	if c.metrics != nil {
		c.metrics.EventsPublishedTotal.WithLabelValues(routingKey).Inc()
	}
	c.logger.Info("event published",
		zap.String("routing_key", routingKey),
		zap.String("correlation_id", cid),
		zap.String("request_id", rid),
		zap.String("service", c.service))
	return cid, nil
}

// Consume declares a durable queue bound to the given routing keys and
// dispatches deliveries to handler. Success acks; handler errors nack with
// requeue. Undecodable bodies are acked and dropped; requeueing a poison
// payload would loop forever.
func (c *Client) Consume(queue string, routingKeys []string, handler Handler) error {
	q, err := c.ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return c.startConsumer(q.Name, routingKeys, c.plainDispatch(queue, handler))
}

// ConsumeTransient is Consume with a non-durable auto-delete queue. Used by
// per-process fan-out consumers (websocket bridge) where every replica
// needs its own copy of each event.
func (c *Client) ConsumeTransient(queue string, routingKeys []string, handler Handler) error {
	q, err := c.ch.QueueDeclare(queue, false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return c.startConsumer(q.Name, routingKeys, c.plainDispatch(queue, handler))
}

func (c *Client) plainDispatch(queue string, handler Handler) func(amqp.Delivery) {
	return func(d amqp.Delivery) {
		cid := extractCorrelationID(d)
		body, err := decodeBody(d.Body, cid)
		if err != nil {
			c.logger.Warn("dropping undecodable message",
				zap.String("queue", queue),
				zap.String("routing_key", d.RoutingKey),
				zap.Error(err))
			d.Ack(false)
			return
		}

		c.logger.Info("event received",
			zap.String("queue", queue),
			zap.String("routing_key", d.RoutingKey),
			zap.String("correlation_id", cid))

		if err := handler(c.ctx, body); err != nil {
			c.logger.Error("handler failed, requeueing",
				zap.String("queue", queue),
				zap.String("routing_key", d.RoutingKey),
				zap.String("correlation_id", cid),
				zap.Error(err))
			c.countConsumed(queue, "error")
			d.Nack(false, true)
			return
		}
		c.countConsumed(queue, "ok")
		d.Ack(false)
	}
}

func (c *Client) countConsumed(queue, outcome string) {
	if c.metrics != nil {
		c.metrics.EventsConsumedTotal.WithLabelValues(queue, outcome).Inc()
	}
}

func (c *Client) startConsumer(queue string, routingKeys []string, dispatch func(amqp.Delivery)) error {
	for _, key := range routingKeys {
		if err := c.ch.QueueBind(queue, key, ExchangeEvents, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s to %s: %w", queue, key, err)
		}
	}

	tag := fmt.Sprintf("%s.%s", c.service, uuid.NewString()[:8])
	deliveries, err := c.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consumer on %s: %w", queue, err)
	}

	c.mu.Lock()
	c.consumerTags = append(c.consumerTags, tag)
	c.mu.Unlock()

	go func() {
		for d := range deliveries {
			c.handlers.Add(1)
			dispatch(d)
			c.handlers.Done()
		}
	}()

	c.logger.Info("consumer started",
		zap.String("queue", queue),
		zap.Strings("routing_keys", routingKeys),
		zap.String("service", c.service))
	return nil
}

// ConsumeWithRetry sets up the retry topology around a durable queue:
//
//	main queue (x-dead-letter-exchange = swifttrack.dlx)
//	    │ handler error → nack(requeue=false)
//	    ▼
//	swifttrack.dlx ──► {queue}.retry  (x-message-ttl = retryTTL,
//	    │              x-dead-letter-exchange = swifttrack.events)
//	    ▼ TTL expiry → redelivered to the main queue
//	retry count ≥ maxRetries → ack + republish to swifttrack.dlq ──► {queue}.dlq
//
// The retry count is the broker-maintained x-death count for the main queue.
func (c *Client) ConsumeWithRetry(queue string, routingKeys []string, handler Handler, maxRetries int, retryTTL time.Duration) error {
	if err := c.ch.ExchangeDeclare(ExchangeDLX, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare %s exchange: %w", ExchangeDLX, err)
	}

	retryQueue := queue + ".retry"
	_, err := c.ch.QueueDeclare(retryQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": ExchangeEvents,
		"x-message-ttl":          retryTTL.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("failed to declare retry queue %s: %w", retryQueue, err)
	}
	for _, key := range routingKeys {
		if err := c.ch.QueueBind(retryQueue, key, ExchangeDLX, false, nil); err != nil {
			return fmt.Errorf("failed to bind retry queue %s to %s: %w", retryQueue, key, err)
		}
	}

	if err := c.ch.ExchangeDeclare(ExchangeDLQ, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare %s exchange: %w", ExchangeDLQ, err)
	}
	dlqQueue := queue + ".dlq"
	if _, err := c.ch.QueueDeclare(dlqQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ %s: %w", dlqQueue, err)
	}
	if err := c.ch.QueueBind(dlqQueue, "", ExchangeDLQ, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ %s: %w", dlqQueue, err)
	}

	q, err := c.ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": ExchangeDLX,
	})
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	c.logger.Info("retry topology ready",
		zap.String("main_queue", queue),
		zap.String("retry_queue", retryQueue),
		zap.String("dlq", dlqQueue),
		zap.Int("max_retries", maxRetries),
		zap.Duration("retry_ttl", retryTTL))

	return c.startConsumer(q.Name, routingKeys, c.retryDispatch(queue, handler, maxRetries))
}

// retryDispatch is the per-delivery decision for a retry-topology consumer:
// ack on success, dead-letter at retry exhaustion, otherwise nack into the
// retry queue.
func (c *Client) retryDispatch(queue string, handler Handler, maxRetries int) func(amqp.Delivery) {
	return func(d amqp.Delivery) {
		retryCount := retryCountFromDeath(d.Headers, queue)
		cid := extractCorrelationID(d)

		body, err := decodeBody(d.Body, cid)
		if err != nil {
			c.logger.Warn("dropping undecodable message",
				zap.String("queue", queue),
				zap.String("routing_key", d.RoutingKey),
				zap.Error(err))
			d.Ack(false)
			return
		}

		c.logger.Info("event received",
			zap.String("queue", queue),
			zap.String("routing_key", d.RoutingKey),
			zap.String("correlation_id", cid),
			zap.Int("retry", retryCount))

		herr := handler(c.ctx, body)
		if herr == nil {
			c.countConsumed(queue, "ok")
			d.Ack(false)
			return
		}
		c.countConsumed(queue, "error")
		c.logger.Error("handler failed",
			zap.String("queue", queue),
			zap.String("routing_key", d.RoutingKey),
			zap.String("correlation_id", cid),
			zap.Int("retry", retryCount),
			zap.Error(herr))

		if retryCount >= maxRetries {
			c.logger.Warn("max retries exceeded, dead-lettering",
				zap.String("queue", queue),
				zap.String("routing_key", d.RoutingKey),
				zap.Int("retry", retryCount))
			d.Ack(false)
			if err := c.publishToDLQ(d, retryCount); err != nil {
				c.logger.Error("failed to publish to DLQ",
					zap.String("queue", queue),
					zap.Error(err))
			} else if c.metrics != nil {
				c.metrics.EventsDeadLetteredTotal.WithLabelValues(queue).Inc()
			}
			return
		}

		// requeue=false routes through the DLX into {queue}.retry.
		d.Nack(false, false)
	}
}

func (c *Client) publishToDLQ(d amqp.Delivery, retryCount int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers["x-original-routing-key"] = d.RoutingKey
	headers["x-retry-count"] = int32(retryCount)
	headers["x-service"] = c.service

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	return c.pub.PublishWithContext(c.ctx, ExchangeDLQ, "", false, false, amqp.Publishing{
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: d.CorrelationId,
		Headers:       headers,
		Body:          d.Body,
	})
}

func decodeBody(data []byte, correlationID string) (map[string]any, error) {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("failed to decode event body: %w", err)
	}
	if _, ok := body["_correlation_id"]; !ok {
		body["_correlation_id"] = correlationID
	}
	return body, nil
}

// retryCountFromDeath reads the broker-maintained x-death header and returns
// the death count for the given queue. A message that has never been
// dead-lettered has no x-death header and counts as zero.
func retryCountFromDeath(headers amqp.Table, queue string) int {
	deaths, ok := headers["x-death"].([]any)
	if !ok {
		return 0
	}
	for _, entry := range deaths {
		t, ok := entry.(amqp.Table)
		if !ok {
			continue
		}
		if q, _ := t["queue"].(string); q != queue {
			continue
		}
		switch count := t["count"].(type) {
		case int64:
			return int(count)
		case int32:
			return int(count)
		case int:
			return count
		}
	}
	return 0
}

// extractCorrelationID resolves the correlation id for a delivery:
// custom header, then the AMQP property, then a freshly minted one.
func extractCorrelationID(d amqp.Delivery) string {
	if cid, ok := d.Headers["correlation_id"].(string); ok && cid != "" {
		return cid
	}
	if d.CorrelationId != "" {
		return d.CorrelationId
	}
	return uuid.NewString()
}
