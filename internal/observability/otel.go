package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
)

// SetupOpenTelemetry wires the global meter provider to the Prometheus
// exporter so instrumented libraries report through /metrics. Returns a
// shutdown function to call after the broker and DB are closed.
func SetupOpenTelemetry(serviceName string, logger *zap.Logger) (func(), error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("0.1.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	metricExporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	metricProvider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metricExporter),
	)
	otel.SetMeterProvider(metricProvider)

	logger.Info("opentelemetry initialized", zap.String("service", serviceName))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := metricProvider.Shutdown(ctx); err != nil {
			logger.Error("error shutting down opentelemetry", zap.Error(err))
		}
	}, nil
}
