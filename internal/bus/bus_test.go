package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ackCall records one Ack/Nack on a delivery.
type ackCall struct {
	op      string // "ack" or "nack"
	requeue bool
}

type fakeAcknowledger struct {
	calls []ackCall
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.calls = append(f.calls, ackCall{op: "ack"})
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.calls = append(f.calls, ackCall{op: "nack", requeue: requeue})
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.calls = append(f.calls, ackCall{op: "reject", requeue: requeue})
	return nil
}

type publishCall struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakePublisher struct {
	calls []publishCall
	err   error
}

func (f *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.calls = append(f.calls, publishCall{exchange: exchange, key: key, msg: msg})
	return f.err
}

func newTestClient(pub *fakePublisher) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		service: "integration_service",
		logger:  zap.NewNop(),
		pub:     pub,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// deathDelivery builds a delivery that the broker has already dead-lettered
// count times from the given queue.
func deathDelivery(ack *fakeAcknowledger, queue string, count int, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:  ack,
		CorrelationId: "cid-retry",
		RoutingKey:    OrderCreated,
		ContentType:   "application/json",
		Body:          []byte(body),
		Headers: amqp.Table{
			"x-death": []any{
				amqp.Table{"queue": queue, "count": int64(count)},
			},
		},
	}
}

func TestRetryDispatch(t *testing.T) {
	const queue = "integration_service.order_created"
	const maxRetries = 3

	t.Run("success acks", func(t *testing.T) {
		pub := &fakePublisher{}
		ack := &fakeAcknowledger{}
		dispatch := newTestClient(pub).retryDispatch(queue, func(ctx context.Context, body map[string]any) error {
			return nil
		}, maxRetries)

		dispatch(amqp.Delivery{Acknowledger: ack, Body: []byte(`{"order_id":"o1"}`)})

		if len(ack.calls) != 1 || ack.calls[0].op != "ack" {
			t.Fatalf("calls = %+v, want single ack", ack.calls)
		}
		if len(pub.calls) != 0 {
			t.Errorf("published %d messages, want 0", len(pub.calls))
		}
	})

	t.Run("handler error below max nacks without requeue", func(t *testing.T) {
		pub := &fakePublisher{}
		ack := &fakeAcknowledger{}
		dispatch := newTestClient(pub).retryDispatch(queue, func(ctx context.Context, body map[string]any) error {
			return errors.New("boom")
		}, maxRetries)

		dispatch(deathDelivery(ack, queue, maxRetries-1, `{"order_id":"o1"}`))

		if len(ack.calls) != 1 || ack.calls[0].op != "nack" {
			t.Fatalf("calls = %+v, want single nack", ack.calls)
		}
		if ack.calls[0].requeue {
			t.Error("nack requeued; retry routing relies on requeue=false")
		}
		if len(pub.calls) != 0 {
			t.Errorf("published %d messages, want 0", len(pub.calls))
		}
	})

	t.Run("retry count at max acks and dead-letters", func(t *testing.T) {
		pub := &fakePublisher{}
		ack := &fakeAcknowledger{}
		dispatch := newTestClient(pub).retryDispatch(queue, func(ctx context.Context, body map[string]any) error {
			return errors.New("boom")
		}, maxRetries)

		dispatch(deathDelivery(ack, queue, maxRetries, `{"order_id":"o1"}`))

		if len(ack.calls) != 1 || ack.calls[0].op != "ack" {
			t.Fatalf("calls = %+v, want single ack", ack.calls)
		}
		if len(pub.calls) != 1 {
			t.Fatalf("published %d messages, want 1", len(pub.calls))
		}
		got := pub.calls[0]
		if got.exchange != ExchangeDLQ {
			t.Errorf("exchange = %q, want %q", got.exchange, ExchangeDLQ)
		}
		if got.key != "" {
			t.Errorf("routing key = %q, want empty (fanout)", got.key)
		}
		if v := got.msg.Headers["x-original-routing-key"]; v != OrderCreated {
			t.Errorf("x-original-routing-key = %v, want %q", v, OrderCreated)
		}
		if v := got.msg.Headers["x-retry-count"]; v != int32(maxRetries) {
			t.Errorf("x-retry-count = %v (%T), want int32(%d)", v, v, maxRetries)
		}
		if v := got.msg.Headers["x-service"]; v != "integration_service" {
			t.Errorf("x-service = %v, want integration_service", v)
		}
		if got.msg.CorrelationId != "cid-retry" {
			t.Errorf("CorrelationId = %q, want cid-retry", got.msg.CorrelationId)
		}
		if string(got.msg.Body) != `{"order_id":"o1"}` {
			t.Errorf("body = %s, want original payload", got.msg.Body)
		}
	})

	t.Run("retry count above max also dead-letters", func(t *testing.T) {
		pub := &fakePublisher{}
		ack := &fakeAcknowledger{}
		dispatch := newTestClient(pub).retryDispatch(queue, func(ctx context.Context, body map[string]any) error {
			return errors.New("boom")
		}, maxRetries)

		dispatch(deathDelivery(ack, queue, maxRetries+2, `{"order_id":"o1"}`))

		if len(ack.calls) != 1 || ack.calls[0].op != "ack" {
			t.Fatalf("calls = %+v, want single ack", ack.calls)
		}
		if len(pub.calls) != 1 {
			t.Errorf("published %d messages, want 1", len(pub.calls))
		}
	})

	t.Run("undecodable body acked and dropped", func(t *testing.T) {
		pub := &fakePublisher{}
		ack := &fakeAcknowledger{}
		called := false
		dispatch := newTestClient(pub).retryDispatch(queue, func(ctx context.Context, body map[string]any) error {
			called = true
			return nil
		}, maxRetries)

		dispatch(amqp.Delivery{Acknowledger: ack, Body: []byte("not json")})

		if called {
			t.Error("handler ran for undecodable body")
		}
		if len(ack.calls) != 1 || ack.calls[0].op != "ack" {
			t.Fatalf("calls = %+v, want single ack", ack.calls)
		}
	})
}

func TestPlainDispatchRequeuesOnHandlerError(t *testing.T) {
	ack := &fakeAcknowledger{}
	dispatch := newTestClient(&fakePublisher{}).plainDispatch("order_service.status_updates", func(ctx context.Context, body map[string]any) error {
		return errors.New("boom")
	})

	dispatch(amqp.Delivery{Acknowledger: ack, Body: []byte(`{"order_id":"o1"}`)})

	if len(ack.calls) != 1 || ack.calls[0].op != "nack" {
		t.Fatalf("calls = %+v, want single nack", ack.calls)
	}
	if !ack.calls[0].requeue {
		t.Error("nack did not requeue")
	}
}

func TestPublishEvent(t *testing.T) {
	t.Run("stamps tracing headers", func(t *testing.T) {
		pub := &fakePublisher{}
		c := newTestClient(pub)

		cid, err := c.PublishEvent(context.Background(), OrderCreated,
			map[string]any{"order_id": "o1"}, "cid-42", amqp.Table{"extra": "x"})
		if err != nil {
			t.Fatalf("PublishEvent() error = %v", err)
		}
		if cid != "cid-42" {
			t.Errorf("correlation id = %q, want cid-42", cid)
		}
		if len(pub.calls) != 1 {
			t.Fatalf("published %d messages, want 1", len(pub.calls))
		}

		got := pub.calls[0]
		if got.exchange != ExchangeEvents || got.key != OrderCreated {
			t.Errorf("published to %s/%s, want %s/%s", got.exchange, got.key, ExchangeEvents, OrderCreated)
		}
		h := got.msg.Headers
		if h["correlation_id"] != "cid-42" {
			t.Errorf("correlation_id header = %v, want cid-42", h["correlation_id"])
		}
		rid, _ := h["request_id"].(string)
		if rid == "" {
			t.Error("request_id header missing")
		}
		if got.msg.MessageId != rid {
			t.Errorf("MessageId = %q, want request_id %q", got.msg.MessageId, rid)
		}
		if got.msg.CorrelationId != "cid-42" {
			t.Errorf("CorrelationId property = %q, want cid-42", got.msg.CorrelationId)
		}
		if h["event_version"] != EventVersion {
			t.Errorf("event_version = %v, want %s", h["event_version"], EventVersion)
		}
		if h["source_service"] != "integration_service" {
			t.Errorf("source_service = %v, want integration_service", h["source_service"])
		}
		if h["extra"] != "x" {
			t.Errorf("extra header = %v, want x", h["extra"])
		}
		ts, _ := h["timestamp"].(string)
		if _, perr := time.Parse(time.RFC3339Nano, ts); perr != nil {
			t.Errorf("timestamp %q is not RFC3339: %v", ts, perr)
		}
		if got.msg.DeliveryMode != amqp.Persistent {
			t.Errorf("DeliveryMode = %d, want persistent", got.msg.DeliveryMode)
		}
	})

	t.Run("generates correlation id when empty", func(t *testing.T) {
		pub := &fakePublisher{}
		cid, err := newTestClient(pub).PublishEvent(context.Background(), OrderCreated,
			map[string]any{"order_id": "o1"}, "", nil)
		if err != nil {
			t.Fatalf("PublishEvent() error = %v", err)
		}
		if cid == "" {
			t.Fatal("correlation id not generated")
		}
		if pub.calls[0].msg.Headers["correlation_id"] != cid {
			t.Errorf("header correlation_id = %v, want returned %q",
				pub.calls[0].msg.Headers["correlation_id"], cid)
		}
	})

	t.Run("publish failure surfaces error", func(t *testing.T) {
		pub := &fakePublisher{err: errors.New("channel closed")}
		if _, err := newTestClient(pub).PublishEvent(context.Background(), OrderCreated,
			map[string]any{"order_id": "o1"}, "cid", nil); err == nil {
			t.Error("PublishEvent() expected error when publish fails")
		}
	})
}

func TestRetryCountFromDeath(t *testing.T) {
	tests := []struct {
		name     string
		headers  amqp.Table
		queue    string
		expected int
	}{
		{
			name:     "no x-death header",
			headers:  amqp.Table{},
			queue:    "integration_service.order_created",
			expected: 0,
		},
		{
			name: "death on matching queue",
			headers: amqp.Table{
				"x-death": []any{
					amqp.Table{"queue": "integration_service.order_created", "count": int64(2)},
				},
			},
			queue:    "integration_service.order_created",
			expected: 2,
		},
		{
			name: "death on other queue only",
			headers: amqp.Table{
				"x-death": []any{
					amqp.Table{"queue": "some_other.queue", "count": int64(5)},
				},
			},
			queue:    "integration_service.order_created",
			expected: 0,
		},
		{
			name: "matching entry among several",
			headers: amqp.Table{
				"x-death": []any{
					amqp.Table{"queue": "integration_service.order_created.retry", "count": int64(3)},
					amqp.Table{"queue": "integration_service.order_created", "count": int64(3)},
				},
			},
			queue:    "integration_service.order_created",
			expected: 3,
		},
		{
			name: "count as int32",
			headers: amqp.Table{
				"x-death": []any{
					amqp.Table{"queue": "q", "count": int32(1)},
				},
			},
			queue:    "q",
			expected: 1,
		},
		{
			name: "malformed x-death entries ignored",
			headers: amqp.Table{
				"x-death": []any{"garbage", amqp.Table{"queue": 42}},
			},
			queue:    "q",
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := retryCountFromDeath(tt.headers, tt.queue)
			if got != tt.expected {
				t.Errorf("retryCountFromDeath() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestExtractCorrelationID(t *testing.T) {
	t.Run("header wins over property", func(t *testing.T) {
		d := amqp.Delivery{
			Headers:       amqp.Table{"correlation_id": "from-header"},
			CorrelationId: "from-property",
		}
		if got := extractCorrelationID(d); got != "from-header" {
			t.Errorf("extractCorrelationID() = %q, want %q", got, "from-header")
		}
	})

	t.Run("falls back to amqp property", func(t *testing.T) {
		d := amqp.Delivery{CorrelationId: "from-property"}
		if got := extractCorrelationID(d); got != "from-property" {
			t.Errorf("extractCorrelationID() = %q, want %q", got, "from-property")
		}
	})

	t.Run("empty header string is ignored", func(t *testing.T) {
		d := amqp.Delivery{
			Headers:       amqp.Table{"correlation_id": ""},
			CorrelationId: "from-property",
		}
		if got := extractCorrelationID(d); got != "from-property" {
			t.Errorf("extractCorrelationID() = %q, want %q", got, "from-property")
		}
	})

	t.Run("mints a fresh id when nothing is set", func(t *testing.T) {
		got := extractCorrelationID(amqp.Delivery{})
		if got == "" {
			t.Error("extractCorrelationID() returned empty string")
		}
	})
}

func TestDecodeBody(t *testing.T) {
	t.Run("injects correlation id", func(t *testing.T) {
		body, err := decodeBody([]byte(`{"order_id":"abc"}`), "cid-1")
		if err != nil {
			t.Fatalf("decodeBody() error = %v", err)
		}
		if body["_correlation_id"] != "cid-1" {
			t.Errorf("_correlation_id = %v, want cid-1", body["_correlation_id"])
		}
		if body["order_id"] != "abc" {
			t.Errorf("order_id = %v, want abc", body["order_id"])
		}
	})

	t.Run("existing correlation id is kept", func(t *testing.T) {
		body, err := decodeBody([]byte(`{"_correlation_id":"original"}`), "cid-2")
		if err != nil {
			t.Fatalf("decodeBody() error = %v", err)
		}
		if body["_correlation_id"] != "original" {
			t.Errorf("_correlation_id = %v, want original", body["_correlation_id"])
		}
	})

	t.Run("invalid json errors", func(t *testing.T) {
		if _, err := decodeBody([]byte("not json"), "cid"); err == nil {
			t.Error("decodeBody() expected error for invalid JSON")
		}
	})
}
